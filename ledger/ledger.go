// package ledger implements the streaming-ledger microservice.
//
// This microservice implements a RESTful API for clients to open payment streams, query accrued balances, claim
// accrued funds and close streams. Claims are settled through the configured payment gateway by the settlement
// coordinator.
package ledger

import (
	"context"
	"log"
	"net/http"
	"sync"

	"github.com/streamfi/streamd/lib/gateway"
	"github.com/streamfi/streamd/lib/msg"
	"github.com/streamfi/streamd/lib/store"
	"github.com/streamfi/streamd/lib/store/db"
)

// Ledger contains the data necessary to deliver the service
type Ledger struct {
	dbtype string
	db     store.DB        // db connection
	gw     gateway.Gateway // payment gateway client
	mb     msg.MsgBroker
	co     *Coordinator  // settlement coordinator
	s      *http.Server  // http server
	ss     *http.Server  // https server
	sc     chan struct{} // http server channel used for graceful shutdowns
}

// New returns a pointer to a new Ledger service
func New(dbtype string, dbConn store.DB, mb msg.MsgBroker, gw gateway.Gateway, pol Policy) *Ledger {
	return &Ledger{
		dbtype: dbtype,
		db:     dbConn,
		mb:     mb,
		gw:     gw,
		co:     NewCoordinator(dbConn, gw, mb, pol),
	}
}

// Stop shuts down the http servers implementing the RESTful API and closes gracefully the connections to message
// broker, payment gateway and database.
func (l *Ledger) Stop() {
	var err error
	// shutdown http server
	if l.s != nil {
		if err = l.s.Shutdown(context.Background()); err != nil {
			log.Printf("Error in http server shutdown:%e", err)
		}
	}
	if l.ss != nil {
		if err = l.ss.Shutdown(context.Background()); err != nil {
			log.Printf("Error in https server shutdown:%e", err)
		}
	}
	close(l.sc) // close server channels to indicate shutdowns have finished
	// close message broker
	if l.mb != nil {
		if err = l.mb.Close(); err != nil {
			log.Printf("Error closing message broker:%e", err)
		}
	}
	// close gateway client
	if l.gw != nil {
		l.gw.Close()
	}
	// close database
	if l.db != nil {
		err = db.Close(l.dbtype, l.db)
		log.Printf("Disconnecting %v database, err:%e\n", l.dbtype, err)
	}
}

// ManageEvents starts go routines to consume the settlement events published to the broker by the reconciler
// service, so claims resolved out-of-band get reflected in the service log.
func (l *Ledger) ManageEvents() error {
	var mut *sync.Mutex = new(sync.Mutex)
	mut.Lock()
	eveCh, errCh, err := l.mb.GetSettlements(mut)
	if err != nil {
		return err
	}

	// launch settlement channel reader
	go func() {
		log.Printf("Start listening to settlement event channel")
		for eve := range eveCh {
			log.Printf("[%s] Received settlement event %+v", eve.Payee, eve)
			mut.Unlock()
		}
		log.Printf("Stop listening to settlement event channel")
	}()

	// launch error channel reader
	go func() {
		log.Printf("Start listening to err channel")
		for e := range errCh {
			log.Printf("Received error %+v", e)
		}
		log.Printf("Stop listening to err channel")
	}()

	return nil
}
