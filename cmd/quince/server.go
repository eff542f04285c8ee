package main

import (
	"crypto/tls"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/qnet-io/quince"
	"github.com/qnet-io/quince/transport"
)

var (
	serverListenAddr string
	serverCertFile   string
	serverKeyFile    string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "accept QUIC connections and echo every stream back to its sender",
	RunE:  runServer,
}

func init() {
	serverCmd.Flags().StringVar(&serverListenAddr, "listen", "0.0.0.0:4433", "local IP:port to accept on")
	serverCmd.Flags().StringVar(&serverCertFile, "cert", "", "TLS certificate file (required)")
	serverCmd.Flags().StringVar(&serverKeyFile, "key", "", "TLS key file (required)")
}

func runServer(cmd *cobra.Command, args []string) error {
	if serverCertFile == "" || serverKeyFile == "" {
		return cmd.Usage()
	}
	cert, err := tls.LoadX509KeyPair(serverCertFile, serverKeyFile)
	if err != nil {
		return err
	}

	config := newConfig()
	config.TLS.Certificates = []tls.Certificate{cert}

	handler := &serverHandler{}
	server := quic.NewServer(config)
	server.SetHandler(handler)
	server.SetLogger(logLevel, os.Stdout)
	if err := server.ListenAndServe(serverListenAddr); err != nil {
		return err
	}
	select {}
}

// serverHandler echoes every byte it reads on a stream back on that same
// stream, closing it once the peer does.
type serverHandler struct{}

func (serverHandler) Serve(c quic.Conn, events []transport.Event) {
	for _, e := range events {
		switch e.Type {
		case quic.EventConnAccept:
			log.Printf("%s connected", c.RemoteAddr())
		case transport.EventStream:
			st := c.Stream(e.StreamID)
			if st == nil {
				continue
			}
			buf := make([]byte, 4096)
			n, err := st.Read(buf)
			if n > 0 {
				_, _ = st.Write(buf[:n])
			}
			if err != nil {
				_ = st.Close()
			}
		case quic.EventConnClose:
			log.Printf("%s disconnected", c.RemoteAddr())
		}
	}
}
