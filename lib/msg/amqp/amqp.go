// Package amqp implements the message broker interface for AMQP compliant brokers (ie RabbitMQ)
package amqp

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/streadway/amqp"

	"github.com/streamfi/streamd/lib/msg"
)

// Amqp implements a connection to a broker and a channel for reuse.
type Amqp struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

// New instantiates a new amqp broker.
func New(uri string) (msg.MsgBroker, error) {
	r := Amqp{}
	var err error

	if r.conn, err = amqp.Dial(uri); err != nil {
		return &r, err
	}
	r.ch = nil
	log.Printf("Connected to %s", uri)

	return &r, err
}

// Setup obtains an amqp channel and declares the message broker exchanges:
//
// - "se" ("settlement events"): both services publish claim outcomes to this exchange
//
// - "rr" ("reconcile requests"): the ledger service publishes ambiguous claims to this exchange
func (r *Amqp) Setup(x interface{}) error {
	// obtain a one-use channel
	channel, err := r.conn.Channel()
	if err != nil {
		return err
	}
	defer channel.Close()
	// declare exchanges
	if err = channel.ExchangeDeclare("se", "topic", true, false, false, false, nil); err != nil {
		return err
	}
	err = channel.ExchangeDeclare("rr", "topic", true, false, false, false, nil)
	return err
}

// Close terminates gracefully the connection to the AMQP message broker
func (r *Amqp) Close() error {
	if r.ch != nil {
		if err := r.ch.Close(); err != nil {
			log.Printf("Error closing amqp.Channel:%v", err)
		}
		r.ch = nil
		log.Printf("amqp.Channel closed!")
	}
	return r.conn.Close()
}

// SendSettlements publishes claim outcome events to the "se" exchange
func (r *Amqp) SendSettlements(evs []msg.SettleEvent) (err error) {
	for _, e := range evs {
		// marshal to JSON
		var jsonDoc []byte
		if jsonDoc, err = json.Marshal(e); err != nil {
			return
		}
		// obtain channel if not present
		if r.ch == nil {
			if r.ch, err = r.conn.Channel(); err != nil {
				return
			}
		}
		// build body
		m := amqp.Publishing{
			Headers:     amqp.Table{"x-settle-name": e.Payee + "." + e.Key},
			Body:        jsonDoc,
			ContentType: "application/json",
		}
		// publish
		if err = r.ch.Publish("se", "stream."+e.Payee+"."+e.Kind, false, false, m); err != nil {
			log.Printf("[%s] Error sending settlement event to message broker %v", e.Payee, err)
		}
	}
	return
}

// SendReconcileReq publishes a new reconcile request to the "rr" exchange
func (r *Amqp) SendReconcileReq(req msg.ReconcileReq) (err error) {
	// marshal to JSON
	var jsonDoc []byte
	if jsonDoc, err = json.Marshal(req); err != nil {
		return
	}
	// obtain channel if not present
	if r.ch == nil {
		if r.ch, err = r.conn.Channel(); err != nil {
			return
		}
	}
	// build body
	m := amqp.Publishing{
		Headers:     amqp.Table{"x-reconcile-name": req.Payee + "." + req.Key},
		Body:        jsonDoc,
		ContentType: "application/json",
	}
	// publish
	if err = r.ch.Publish("rr", "stream."+req.Payee, false, false, m); err != nil {
		log.Printf("[%s] Error sending reconcile request to message broker %v", req.Payee, err)
	}
	return
}

// GetSettlements consumes claim outcome events from the "se" exchange pushing them to the returned channel. The Mutex pointer is provided to ensure the consumed message has been fully dealt with by the management function, so the message consumed is only acknowledged when the mutex is unlocked.
func (r *Amqp) GetSettlements(mut *sync.Mutex) (<-chan msg.SettleEvent, <-chan error, error) {
	var err error
	if r.ch == nil {
		if r.ch, err = r.conn.Channel(); err != nil {
			return nil, nil, err
		}
	}
	// declare queue
	if _, err = r.ch.QueueDeclare("se-events", true, false, false, false, nil); err != nil {
		return nil, nil, err
	}
	// bind queue to exchange
	if err = r.ch.QueueBind("se-events", "stream.*.*", "se", false, nil); err != nil {
		return nil, nil, err
	}
	// create channel for receiving events
	msgs, errCons := r.ch.Consume("se-events", "ledger-events", false, false, false, false, nil)
	if errCons != nil {
		return nil, nil, errCons
	}
	// define channels to return
	eves := make(chan msg.SettleEvent)
	errors := make(chan error)
	// start routine to consume messages from broker
	go func() {
		for m := range msgs {
			var e *msg.SettleEvent = new(msg.SettleEvent)
			err := json.Unmarshal(m.Body, e)
			if err != nil {
				errors <- err
				continue
			}
			eves <- *e
			mut.Lock() // wait for ledger to finish processing the event
			m.Ack(false)
		}
	}()
	return eves, errors, nil
}

// GetReconcileReqs consumes reconcile requests from the "rr" exchange pushing them to the returned channel. The Mutex pointer is provided to ensure the consumed message has been fully dealt with by the management function, so the message consumed is only acknowledged when the mutex is unlocked.
func (r *Amqp) GetReconcileReqs(mut *sync.Mutex) (<-chan msg.ReconcileReq, <-chan error, error) {
	var err error
	if r.ch == nil {
		if r.ch, err = r.conn.Channel(); err != nil {
			return nil, nil, err
		}
	}
	// declare queue
	if _, err = r.ch.QueueDeclare("rr-reqs", true, false, false, false, nil); err != nil {
		return nil, nil, err
	}
	// bind queue to exchange
	if err = r.ch.QueueBind("rr-reqs", "stream.*", "rr", false, nil); err != nil {
		return nil, nil, err
	}
	// create channel for receiving requests
	msgs, errCons := r.ch.Consume("rr-reqs", "reconciler-reqs", false, false, false, false, nil)
	if errCons != nil {
		return nil, nil, errCons
	}
	// define channels to return
	reqs := make(chan msg.ReconcileReq)
	errors := make(chan error)
	// start routine to consume messages from broker
	go func() {
		for m := range msgs {
			var req *msg.ReconcileReq = new(msg.ReconcileReq)
			err := json.Unmarshal(m.Body, req)
			if err != nil {
				errors <- err
				continue
			}
			reqs <- *req
			mut.Lock() // wait for reconciler to finish processing the request
			m.Ack(false)
		}
	}()
	return reqs, errors, nil
}
