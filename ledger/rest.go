package ledger

import (
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

const timeout = 15

// Init sets up and starts the http/https server to service the RESTful API for a ledger service. If sslPort, ssCert
// and sslKey are informed, it will start an https (TLS) server on the specified endpoint.
func (l *Ledger) Init(endpoint, port, sslPort, sslCert, sslKey string) string {
	var err, errTLS error

	// API definition
	r := mux.NewRouter()
	r.HandleFunc("/", l.homeHandler)
	r.HandleFunc("/health", l.healthHandler).Methods("GET")                  // service and gateway status
	r.HandleFunc("/streams", l.listHandler).Methods("GET")                   // get all streams
	r.HandleFunc("/streams/{payee}", l.startHandler).Methods("POST")         // open a stream for payee
	r.HandleFunc("/streams/{payee}", l.endHandler).Methods("DELETE")         // close the payee's stream
	r.HandleFunc("/streams/{payee}/balance", l.balanceHandler).Methods("GET") // get accrued balance
	r.HandleFunc("/streams/{payee}/claim", l.claimHandler).Methods("POST")   // claim and settle accrued funds
	http.Handle("/", r)

	// setup shutdown channel
	l.sc = make(chan struct{})

	// start http server
	if port != "" {
		l.s = &http.Server{
			Handler: r,
			Addr:    endpoint + ":" + port,
			// Good practice: enforce timeouts for servers you create!
			WriteTimeout: timeout * time.Second,
			ReadTimeout:  timeout * time.Second,
		}

		go func() {
			err = l.s.ListenAndServe()
		}()

		log.Printf("Listening to API http requests on %s:%s", endpoint, port)
	}
	// start https server
	if sslPort != "" && sslCert != "" && sslKey != "" {
		l.ss = &http.Server{
			Handler: r,
			Addr:    endpoint + ":" + sslPort,
			// Good practice: enforce timeouts for servers you create!
			WriteTimeout: timeout * time.Second,
			ReadTimeout:  timeout * time.Second,
		}

		go func() {
			errTLS = l.ss.ListenAndServeTLS(sslCert, sslKey)
		}()

		log.Printf("Listening to API https requests on %s:%s", endpoint, sslPort)
	}
	// wait for servers to be shutdown
	<-l.sc

	return fmt.Sprintf("shutdown http server:%e, https server:%e", err, errTLS)
}
