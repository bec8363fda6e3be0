// Package main: ledger service.
//
// Warning: The DB used by the microservice holds the stream records and must be the same database used by the
// reconciler microservice, as both resolve pending claims against the same records. The in-memory store is only
// suitable for a single ledger process with no reconciler.
package main

import (
	"encoding/hex"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/streamfi/streamd/ledger"
	"github.com/streamfi/streamd/lib/config"
	"github.com/streamfi/streamd/lib/gateway"
	"github.com/streamfi/streamd/lib/msg"
	"github.com/streamfi/streamd/lib/msg/amqp"
	"github.com/streamfi/streamd/lib/store"
	"github.com/streamfi/streamd/lib/store/db"
)

func main() {
	// get command line flags
	confPath := flag.String("c", "", "flag to get configuration from json file")
	monitor := flag.Bool("m", false, "flag to monitor the server with Prometheus at http://localhost:9100")
	flag.Parse()

	// extract configuration
	conf, err := config.ExtractConfiguration(*confPath)
	if err != nil {
		panic(err)
	}

	log.Printf("Configuration:%+v", conf)

	// connect to database
	var dbConn store.DB

	if dbConn, err = db.New(conf.DbType, conf.DbConn); err != nil {
		panic(err)
	}

	log.Printf("Connecting to %s database:%+v\n", conf.DbType, conf.DbConn)

	// load Prometheus monitor
	if *monitor {
		go func() {
			log.Println("Serving metrics API")

			h := http.NewServeMux()

			h.Handle("/metrics", promhttp.Handler())
			http.ListenAndServe(":9100", h)
		}()
	}

	// load message broker
	var mb msg.MsgBroker

	switch conf.MbType {
	case "amqp":
		if mb, err = amqp.New(conf.MbConn); err != nil {
			time.Sleep(10 * time.Second) // wait 10s for AMQP to be ready and try to reconnect

			if mb, err = amqp.New(conf.MbConn); err != nil {
				panic(err)
			}
		}

		if err = mb.Setup(nil); err != nil {
			panic(err)
		}
	default:
		log.Printf("Unknown message broker type: %s\n", conf.MbType)
	}

	// load payment gateway, the payer account is derived from the HD wallet seed
	seed, err := hex.DecodeString(conf.Seed)
	if err != nil {
		panic(err)
	}

	gw, err := gateway.Init(conf.Gw, seed)
	if err != nil {
		panic(err)
	}

	log.Printf("Payment gateway loaded, payer %s", gw.Payer())

	// claim policy
	minClaim, err := decimal.NewFromString(conf.MinClaim)
	if err != nil {
		panic(err)
	}

	pol := ledger.Policy{
		MinClaim:       minClaim,
		Decimals:       conf.Gw.Decimals,
		GatewayTimeout: time.Duration(conf.Gw.Timeout) * time.Second,
		StaleClaim:     time.Duration(conf.StaleClaim) * time.Second,
		Token:          conf.Gw.Token,
		Payout:         conf.Gw.Payout,
	}

	// create ledger service
	l := ledger.New(conf.DbType, dbConn, mb, gw, pol)

	// capture CTRL+C or docker's SIGTERM for gracious exit
	finish := make(chan int)

	go func() {
		sigchan := make(chan os.Signal, 10)
		signal.Notify(sigchan, os.Interrupt, syscall.SIGTERM)
		<-sigchan
		log.Println("Program killed !")
		// do last actions and wait for all write operations to end
		l.Stop()
		close(finish)
	}()

	// manage settlement events published by the reconciler
	if mb != nil {
		if err := l.ManageEvents(); err != nil {
			log.Printf("Error setting up broker readers for events:%e", err)
		}
	}

	// init RESTful API, wait for its return and log response
	log.Printf("Ledger: %s\n", l.Init(conf.RestfulEndpoint, conf.Port, conf.SSLPort, conf.SSLCert, conf.SSLKey))

	<-finish
}
