// Command brokerd runs a single Broker endpoint: it loads a JSON
// config (mirroring tinode's flag+config-file setup in server/main.go),
// wires up a broker.Core, and serves peerings and a Prometheus scrape
// endpoint until terminated.
package main

import (
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/SiChiTong/broker/backend"
	"github.com/SiChiTong/broker/backend/memkv"
	"github.com/SiChiTong/broker/backend/sqlitekv"
	"github.com/SiChiTong/broker/broker"
	"github.com/SiChiTong/broker/internal/logs"
	"github.com/SiChiTong/broker/metrics"
)

type peerConfig struct {
	Address string `json:"address"`
	RetryMs int    `json:"retry_ms"`
}

type configType struct {
	// EndpointID persists this node's identity across restarts; if it is
	// left blank, a fresh random one is generated and used for this run
	// only (it is not written back).
	EndpointID string `json:"endpoint_id"`
	// Listen is the address peerings are accepted on, host:port.
	Listen string `json:"listen"`
	// Metrics is the address the Prometheus scrape endpoint listens on.
	Metrics string `json:"metrics"`
	// Backend selects the store engine new masters are opened with:
	// "mem" or "sqlite".
	Backend string `json:"backend"`
	// SqlitePath is the directory sqlite-backed stores are opened under,
	// one file per store name.
	SqlitePath string `json:"sqlite_path"`
	// SigningKey authenticates this endpoint's asserted identity to
	// peers (spec §6's implementer-chosen handshake authentication).
	SigningKey string `json:"signing_key"`
	// RetryMs is the reconnect interval used for configured peers; 0
	// disables retry.
	RetryMs int `json:"retry_ms"`
	// Peers are dialed on startup.
	Peers []peerConfig `json:"peers"`
}

func main() {
	logs.Init(os.Stdout)

	configFile := flag.String("config", "./brokerd.conf", "Path to config file.")
	listenOn := flag.String("listen", "", "Override config's listen address.")
	flag.Parse()

	raw, err := os.ReadFile(*configFile)
	if err != nil {
		logs.Error.Fatal(err)
	}
	var config configType
	if err := json.Unmarshal(raw, &config); err != nil {
		logs.Error.Fatal(err)
	}
	if *listenOn != "" {
		config.Listen = *listenOn
	}

	id := uuid.New()
	if config.EndpointID != "" {
		if parsed, err := uuid.Parse(config.EndpointID); err == nil {
			id = parsed
		}
	}

	newBackend := backendFactory(config)

	core, err := broker.NewCore(
		broker.EndpointInfo{ID: id},
		[]byte(config.SigningKey),
		time.Duration(config.RetryMs)*time.Millisecond,
		newBackend,
		nil,
	)
	if err != nil {
		logs.Error.Fatal(err)
	}
	go core.Run()

	if config.Listen != "" {
		if _, err := core.Listen(config.Listen); err != nil {
			logs.Error.Fatal(err)
		}
		logs.Info.Printf("brokerd: listening for peerings on %s", config.Listen)
	}

	retry := time.Duration(config.RetryMs) * time.Millisecond
	for _, p := range config.Peers {
		r := retry
		if p.RetryMs != 0 {
			r = time.Duration(p.RetryMs) * time.Millisecond
		}
		if err := core.PeerRemote(p.Address, r); err != nil {
			logs.Warning.Printf("brokerd: peer %s: %v", p.Address, err)
		}
	}

	if config.Metrics != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(metrics.New("broker", core))
		http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		logs.Info.Printf("brokerd: serving metrics on %s", config.Metrics)
		go func() {
			if err := http.ListenAndServe(config.Metrics, nil); err != nil {
				logs.Error.Printf("brokerd: metrics server: %v", err)
			}
		}()
	}

	logs.Info.Printf("brokerd: endpoint %s started", id)
	select {}
}

func backendFactory(config configType) func(name string) (backend.Backend, error) {
	switch config.Backend {
	case "sqlite":
		dir := config.SqlitePath
		if dir == "" {
			dir = "."
		}
		return func(name string) (backend.Backend, error) {
			return sqlitekv.Open(dir + "/" + name + ".db")
		}
	default:
		return func(name string) (backend.Backend, error) { return memkv.New(), nil }
	}
}
