// Command replfs-server runs a single ReplFS replica, joining the
// fixed multicast group and serving client requests until killed.
package main

import (
	"errors"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	replfsmetrics "github.com/dieterichlawson/replfs/internal/metrics"
	"github.com/dieterichlawson/replfs/internal/server"
	"github.com/dieterichlawson/replfs/internal/transport"
)

func main() {
	var (
		port        int
		mount       string
		drop        int
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "replfs-server",
		Short: "Run one ReplFS replica server",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := prometheus.NewRegistry()
			mset := replfsmetrics.NewSet(reg, "replfs", "server")

			if metricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
				go func() {
					if err := http.ListenAndServe(metricsAddr, mux); err != nil {
						log.WithError(err).Warn("metrics server stopped")
					}
				}()
				log.Infof("metrics listening on %s/metrics", metricsAddr)
			}

			ch, err := transport.NewMulticast(port, drop, transport.DefaultHeartbeat)
			if err != nil {
				return err
			}
			defer ch.Close()

			r, err := server.NewReplica(ch, mount, mset)
			if err != nil {
				return err
			}
			log.Infof("replica serving mount %s on port %d (drop=%d%%)", mount, port, drop)
			return r.Run()
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&port, "port", 44018, "UDP port of the multicast group")
	flags.StringVar(&mount, "mount", "./", "directory this replica persists files under; must not already exist")
	flags.IntVar(&drop, "drop", 10, "percent of outbound packets to simulate dropping")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "if set, serve Prometheus metrics on this address")

	// Single-dash long flags (-port P -mount DIR -drop N) are accepted
	// too, by rewriting them to their double-dash names before parsing.
	args := os.Args[1:]
	for i, a := range args {
		switch a {
		case "-port", "-mount", "-drop":
			args[i] = "-" + a
		}
	}
	cmd.SetArgs(args)

	if err := cmd.Execute(); err != nil {
		if errors.Is(err, server.ErrMountInUse) {
			log.Error("machine already in use")
			os.Exit(-1)
		}
		log.WithError(err).Error("replfs-server exiting")
		os.Exit(1)
	}
}
