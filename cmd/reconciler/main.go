// package main: reconciler service
//
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

	"github.com/streamfi/streamd/lib/config"
	"github.com/streamfi/streamd/lib/gateway"
	"github.com/streamfi/streamd/lib/msg"
	"github.com/streamfi/streamd/lib/msg/amqp"
	"github.com/streamfi/streamd/lib/store"
	"github.com/streamfi/streamd/lib/store/db"
	"github.com/streamfi/streamd/reconciler"
)

func main() {
	// get command line flags
	confPath := flag.String("c", "", "flag to get configuration from json file")
	monitor := flag.Bool("m", false, "flag to monitor the server with Prometheus at http://localhost:9100")
	flag.Parse()

	//extract configuration
	var err error
	var conf config.ServiceConfig
	if conf, err = config.ExtractConfiguration(*confPath); err != nil {
		panic(err)
	}
	log.Printf("Configuration:%+v", conf)

	// connect to database
	var dbConn store.DB
	log.Printf("Connecting to %s database:%+v\n", conf.DbType, conf.DbConn)
	if dbConn, err = db.New(conf.DbType, conf.DbConn); err != nil {
		panic(err)
	}

	// load payment gateway
	var seed []byte
	if seed, err = hex.DecodeString(conf.Seed); err != nil {
		panic(err)
	}

	var gw gateway.Gateway
	if gw, err = gateway.Init(conf.Gw, seed); err != nil {
		panic(err)
	}
	log.Printf("Payment gateway loaded, payer %s", gw.Payer())

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
		defer func() {
			err := mb.Close()
			log.Printf("Closing messageBroker: %e", err)
		}()
	default:
		log.Printf("Unknown message broker type: %s\n", conf.MbType)
	}

	// create reconciler service
	r := reconciler.New(conf.DbType, dbConn, mb, gw,
		time.Duration(conf.SweepEvery)*time.Second, time.Duration(conf.StaleClaim)*time.Second)

	// capture CTRL+C or docker's SIGTERM for gracious exit
	go func() {
		sigchan := make(chan os.Signal, 10)
		signal.Notify(sigchan, os.Interrupt, syscall.SIGTERM)
		<-sigchan
		log.Println("Program killed !")
		// do last actions and wait for all write operations to end
		r.Stop()
	}()

	// launch the sweep loop, wait for its return and log response
	log.Printf("Reconciler: %s\n", <-r.Run())
}
