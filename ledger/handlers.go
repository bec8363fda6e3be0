package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	gwtypes "github.com/streamfi/streamd/lib/gateway/types"
	"github.com/streamfi/streamd/lib/store"
	"github.com/streamfi/streamd/lib/util"
)

// StreamReq stream request data required to open a payment stream for a payee.
type StreamReq struct {
	Rate string `json:"rate"` // accrual rate in asset units per second
}

// ClaimReq claim request data. Min, when informed, raises the claim threshold for this request only.
type ClaimReq struct {
	Min string `json:"min,omitempty"`
}

// Response defines the data structure returned to the client making the http request.
type Response struct {
	Body  string `json:"body"`
	Error string `json:"error,omitempty"`
}

// statusOf maps a service error to the http status replied to the client.
func statusOf(err error) int {
	switch {
	case errors.Is(err, store.ErrStreamNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrAlreadyActive), errors.Is(err, store.ErrClaimConflict),
		errors.Is(err, ErrClaimInProgress):
		return http.StatusConflict
	case errors.Is(err, gwtypes.ErrRejected), errors.Is(err, gwtypes.ErrUnknown):
		return http.StatusBadGateway
	default:
		return http.StatusBadRequest
	}
}

// homeHandler just replies a welcome message to the client.
func (l *Ledger) homeHandler(rw http.ResponseWriter, r *http.Request) {
	var res Response
	// log request
	log.Printf("httpreq from %v %s\n", r.RemoteAddr, r.RequestURI)
	// just reply a welcome message
	res.Body = "Hello, this is your payment streaming ledger!"
	// reply
	rw.Header().Set("Content-Type", "application/json;charset=utf8")
	_ = json.NewEncoder(rw).Encode(res)
}

// healthInfo struct replied to health requests.
type healthInfo struct {
	Status string `json:"status"`
	Db     string `json:"db"`
	Payer  string `json:"payer"`
	Payout string `json:"payout"`
	Token  string `json:"token,omitempty"`
}

// healthHandler replies the service status and the gateway accounts in use.
func (l *Ledger) healthHandler(rw http.ResponseWriter, r *http.Request) {
	var res Response

	h := healthInfo{Status: "ok", Db: l.dbtype, Payout: l.co.pol.Payout, Token: l.co.pol.Token}
	if l.gw != nil {
		h.Payer = l.gw.Payer()
	}

	rw.WriteHeader(http.StatusOK)
	tmp, _ := json.Marshal(h)
	res.Body = string(tmp)
	// log request
	log.Printf("httpreq from %v %s payer:%s\n", r.RemoteAddr, r.RequestURI, util.Short(h.Payer))
	// reply
	rw.Header().Set("Content-Type", "application/json;charset=utf8")
	_ = json.NewEncoder(rw).Encode(&res)
}

// streamInfo struct used to reply stream records to clients.
type streamInfo struct {
	Payee        string `json:"payee"`
	Rate         string `json:"rate"`  // asset units per second
	State        string `json:"state"` // ACTIVE, CLAIM_IN_PROGRESS, RECONCILE or CLOSED
	TotalClaimed string `json:"totalClaimed"`
	Ref          string `json:"ref,omitempty"` // last settled payment reference
}

func toInfo(s store.Stream) streamInfo {
	return streamInfo{
		Payee:        s.Payee,
		Rate:         s.Rate.String(),
		State:        s.State,
		TotalClaimed: s.TotalClaimed.String(),
		Ref:          s.LastRef,
	}
}

// listHandler replies all the streams in the ledger. A state filter may be queried, ie.
// /streams?state=ACTIVE&state=RECONCILE.
func (l *Ledger) listHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	var res Response

	var pl []streamInfo

	defer func() {
		// reply to requester accordingly
		if err != nil {
			res.Error = fmt.Sprintf("%s", err)

			rw.WriteHeader(statusOf(err))
		} else {
			rw.WriteHeader(http.StatusOK)
			tmp, _ := json.Marshal(pl)
			res.Body = string(tmp)
		}
		// log request
		log.Printf("httpreq from %v %s streams:%d err:%e\n", r.RemoteAddr, r.RequestURI, len(pl), err)
		// reply
		rw.Header().Set("Content-Type", "application/json;charset=utf8")
		_ = json.NewEncoder(rw).Encode(&res)
	}()

	// parse request
	if err = r.ParseForm(); err != nil {
		log.Print("Error parsing request URL")

		return
	}

	var states []string
	if r.Form != nil {
		states = r.Form["state"]
	}

	var ss []store.Stream
	if ss, err = l.db.ListByState(states); err != nil {
		return
	}

	pl = make([]streamInfo, 0, len(ss))
	for _, s := range ss {
		pl = append(pl, toInfo(s))
	}
}

// startHandler opens a payment stream for the payee in the uri, accruing from now at the requested rate. Opening
// a stream for a payee with a stream already running is rejected with a conflict status.
func (l *Ledger) startHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	var res Response

	var s store.Stream

	defer func() {
		// reply to requester accordingly
		if err != nil {
			res.Error = fmt.Sprintf("%s", err)

			rw.WriteHeader(statusOf(err))
		} else {
			rw.WriteHeader(http.StatusCreated)
			tmp, _ := json.Marshal(toInfo(s))
			res.Body = string(tmp)
		}
		// log request
		log.Printf("httpreq from %v %s stream:%+v err:%e\n", r.RemoteAddr, r.RequestURI, s, err)
		// reply
		rw.Header().Set("Content-Type", "application/json;charset=utf8")
		_ = json.NewEncoder(rw).Encode(&res)
	}()

	v := mux.Vars(r)
	payee, ok := v["payee"]
	if !ok || payee == "" {
		err = ErrNoPayee

		return
	}
	payee = strings.ToLower(payee) // keep everything in lowercase to avoid issues

	var req StreamReq
	if err = json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("Error decoding stream request %+v\n", r.Body)

		return
	}

	var rate decimal.Decimal
	if rate, err = decimal.NewFromString(req.Rate); err != nil {
		err = ErrBadRate

		return
	}

	s, err = l.co.Start(payee, rate)
}

// balanceInfo struct used to reply accrued balances.
type balanceInfo struct {
	Payee     string  `json:"payee"`
	Claimable string  `json:"claimable"` // accrued amount in asset units, quantized
	Elapsed   float64 `json:"elapsed"`   // seconds since the accrual start
}

// balanceHandler replies the currently claimable balance for the payee. It is a read-only computation against the
// last committed accrual start and never blocks on an in-progress claim.
func (l *Ledger) balanceHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	var res Response

	var bal balanceInfo

	defer func() {
		// reply to requester accordingly
		if err != nil {
			res.Error = fmt.Sprintf("%s", err)

			rw.WriteHeader(statusOf(err))
		} else {
			rw.WriteHeader(http.StatusOK)
			tmp, _ := json.Marshal(bal)
			res.Body = string(tmp)
		}
		// log request
		log.Printf("httpreq from %v %s bal:%+v err:%e\n", r.RemoteAddr, r.RequestURI, bal, err)
		// reply
		rw.Header().Set("Content-Type", "application/json;charset=utf8")
		_ = json.NewEncoder(rw).Encode(&res)
	}()

	v := mux.Vars(r)
	payee, ok := v["payee"]
	if !ok || payee == "" {
		err = ErrNoPayee

		return
	}
	payee = strings.ToLower(payee)

	var claimable decimal.Decimal

	var elapsed float64

	if claimable, elapsed, err = l.co.Balance(payee); err != nil {
		return
	}

	bal = balanceInfo{Payee: payee, Claimable: claimable.String(), Elapsed: elapsed}
}

// claimInfo struct used to reply settled claims.
type claimInfo struct {
	Payee        string `json:"payee"`
	Amount       string `json:"amount"` // settled amount in asset units
	Ref          string `json:"ref"`    // gateway payment reference
	TotalClaimed string `json:"totalClaimed"`
}

// claimHandler settles the accrued balance for the payee through the payment gateway and replies the settled
// amount and payment reference. An ambiguous gateway outcome is replied as a bad gateway status and the claim is
// left pending for reconciliation.
func (l *Ledger) claimHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	var res Response

	var ci claimInfo

	defer func() {
		// reply to requester accordingly
		if err != nil {
			res.Error = fmt.Sprintf("%s", err)

			rw.WriteHeader(statusOf(err))
		} else {
			rw.WriteHeader(http.StatusOK)
			tmp, _ := json.Marshal(ci)
			res.Body = string(tmp)
		}
		// log request
		log.Printf("httpreq from %v %s claim:%+v err:%e\n", r.RemoteAddr, r.RequestURI, ci, err)
		// reply
		rw.Header().Set("Content-Type", "application/json;charset=utf8")
		_ = json.NewEncoder(rw).Encode(&res)
	}()

	v := mux.Vars(r)
	payee, ok := v["payee"]
	if !ok || payee == "" {
		err = ErrNoPayee

		return
	}
	payee = strings.ToLower(payee)

	min := decimal.Zero

	if r.Body != nil && r.ContentLength > 0 {
		var req ClaimReq
		if err = json.NewDecoder(r.Body).Decode(&req); err != nil {
			log.Printf("Error decoding claim request %+v\n", r.Body)

			return
		}

		if req.Min != "" {
			if min, err = decimal.NewFromString(req.Min); err != nil {
				return
			}
		}
	}

	var s store.Stream

	var ref string

	var amount decimal.Decimal

	if s, ref, amount, err = l.co.Claim(r.Context(), payee, min); err != nil {
		return
	}

	ci = claimInfo{Payee: payee, Amount: amount.String(), Ref: ref, TotalClaimed: s.TotalClaimed.String()}
}

// endHandler closes the payee's stream and replies the final record with its cumulative settled total. Unclaimed
// accrual is forfeited. A pending claim survives on the closed record until reconciliation resolves it.
func (l *Ledger) endHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	var res Response

	var s store.Stream

	defer func() {
		// reply to requester accordingly
		if err != nil {
			res.Error = fmt.Sprintf("%s", err)

			rw.WriteHeader(statusOf(err))
		} else {
			rw.WriteHeader(http.StatusOK)
			tmp, _ := json.Marshal(toInfo(s))
			res.Body = string(tmp)
		}
		// log request
		log.Printf("httpreq from %v %s stream:%+v err:%e\n", r.RemoteAddr, r.RequestURI, s, err)
		// reply
		rw.Header().Set("Content-Type", "application/json;charset=utf8")
		_ = json.NewEncoder(rw).Encode(&res)
	}()

	v := mux.Vars(r)
	payee, ok := v["payee"]
	if !ok || payee == "" {
		err = ErrNoPayee

		return
	}
	payee = strings.ToLower(payee)

	s, err = l.co.End(payee)
}
