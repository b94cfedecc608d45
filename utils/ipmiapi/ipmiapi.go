/* ipmiapi.go: this api provides raw IPMI access to configured BMCs through a restapi
 *
 * This software is open source software available under the BSD-3 license.
 * Copyright (c) 2018-2021, Triad National Security, LLC
 * See LICENSE file for details.
 */

package main

import (
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/kraken-hpc/ipmisession/core"
	"github.com/kraken-hpc/ipmisession/lib/ipmi"
	"github.com/kraken-hpc/ipmisession/lib/types"
	"github.com/kraken-hpc/ipmisession/modules/ipmipower"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const pingTimeout = 3 * time.Second

type rawRequest struct {
	NetFn   uint8  `json:"netfn"`
	Command uint8  `json:"cmd"`
	Data    string `json:"data"`
	// optional bridging target
	BridgeAddr    uint8 `json:"bridge_addr,omitempty"`
	BridgeChannel uint8 `json:"bridge_channel,omitempty"`
}

type rawResponse struct {
	NetFn       uint8  `json:"netfn"`
	Command     uint8  `json:"cmd"`
	Code        uint16 `json:"code"`
	Data        string `json:"data"`
	Error       string `json:"error,omitempty"`
	Description string `json:"description,omitempty"`
}

type bmcEntry struct {
	Name string `json:"name"`
	Host string `json:"host"`
	Port int    `json:"port"`
	User string `json:"user"`
}

type server struct {
	cfg *core.Config
	m   *core.Manager
	log types.Logger
}

func main() {
	cfgFile := flag.String("config", "ipmi.yaml", "YAML file listing the BMCs to serve")
	urlBase := flag.String("base", "/ipmi", "base URL for api")
	listenIP := flag.String("ip", "127.0.0.1", "ip to listen on")
	listenPort := flag.Uint("port", 8623, "port to listen on")
	verbose := flag.Bool("v", false, "verbose messages")
	flag.Parse()

	cfg, e := core.ReadConfig(*cfgFile)
	if e != nil {
		fmt.Fprintf(os.Stderr, "%v\n", e)
		os.Exit(1)
	}
	lv, _ := cfg.Level()
	if *verbose {
		lv = core.DEBUG
	}
	log := core.NewLogrusLogger(os.Stderr, "ipmiapi", lv)
	m, e := core.NewManager(cfg, log.Sub("Manager"))
	if e != nil {
		log.Logf(core.FATAL, "could not start session manager: %v", e)
		os.Exit(1)
	}
	defer m.Close()

	srv := &http.Server{
		Handler: handlers.CORS(
			handlers.AllowedHeaders([]string{"X-Requested-With", "Content-Type", "Authorization"}),
			handlers.AllowedOrigins([]string{"*"}),
			handlers.AllowedMethods([]string{"GET", "POST"}),
		)(newRouter(&server{cfg: cfg, m: m, log: log}, *urlBase)),
		Addr:         fmt.Sprintf("%s:%d", *listenIP, *listenPort),
		WriteTimeout: 30 * time.Second,
		ReadTimeout:  15 * time.Second,
	}

	log.Logf(core.INFO, "starting http service at: http://%s:%d%s", *listenIP, *listenPort, *urlBase)
	if e := srv.ListenAndServe(); e != nil {
		log.Logf(core.ERROR, "failed to start http service: %v", e)
	}
}

func newRouter(s *server, base string) *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc(base+"/bmcs", s.listBMCs).Methods("GET")
	router.HandleFunc(base+"/raw/{name}", s.raw).Methods("POST")
	router.HandleFunc(base+"/ping/{name}", s.ping).Methods("GET")
	router.HandleFunc(base+"/logout/{name}", s.logout).Methods("GET")
	router.HandleFunc(base+"/power/{name}", s.powerStatus).Methods("GET")
	router.HandleFunc(base+"/power/{name}/{op}", s.powerControl).Methods("GET")
	router.Handle("/metrics", promhttp.HandlerFor(s.m.Gatherer(), promhttp.HandlerOpts{}))
	return router
}

func (s *server) listBMCs(w http.ResponseWriter, req *http.Request) {
	defer req.Body.Close()
	rs := []bmcEntry{}
	for _, b := range s.cfg.BMCs {
		rs = append(rs, bmcEntry{Name: b.Name, Host: b.Host, Port: b.Port, User: b.User})
	}
	s.reply(w, http.StatusOK, rs)
}

func (s *server) raw(w http.ResponseWriter, req *http.Request) {
	defer req.Body.Close()
	b, ok := s.bmc(w, req)
	if !ok {
		return
	}
	var rq rawRequest
	if e := json.NewDecoder(req.Body).Decode(&rq); e != nil {
		s.fail(w, http.StatusBadRequest, fmt.Sprintf("bad request body: %v", e))
		return
	}
	data, e := hex.DecodeString(strings.Join(strings.Fields(rq.Data), ""))
	if e != nil {
		s.fail(w, http.StatusBadRequest, fmt.Sprintf("bad data: %v", e))
		return
	}
	cmd := core.Request{NetFn: rq.NetFn, Command: rq.Command, Data: data}
	if rq.BridgeAddr != 0 {
		cmd.Bridge = &ipmi.BridgeRequest{Addr: rq.BridgeAddr, Channel: rq.BridgeChannel}
	}
	sess, e := s.m.Session(b.Session(), nil)
	if e != nil {
		s.fail(w, http.StatusBadGateway, e.Error())
		return
	}
	r, e := sess.RawCommand(cmd)
	if e != nil {
		s.fail(w, http.StatusBadGateway, e.Error())
		return
	}
	s.log.Logf(core.DEBUG, "%s: netfn %#02x cmd %#02x -> code %#02x", b.Name, rq.NetFn, rq.Command, r.Code)
	s.reply(w, http.StatusOK, rawResponse{
		NetFn:       r.NetFn,
		Command:     r.Command,
		Code:        r.Code,
		Data:        hex.EncodeToString(r.Data),
		Error:       r.Error,
		Description: ipmi.ErrorString(r, ""),
	})
}

func (s *server) ping(w http.ResponseWriter, req *http.Request) {
	defer req.Body.Close()
	b, ok := s.bmc(w, req)
	if !ok {
		return
	}
	pong, e := s.m.Ping(b.Host, b.Port, pingTimeout)
	if e != nil {
		s.fail(w, http.StatusBadGateway, e.Error())
		return
	}
	var rs struct {
		IPMI         bool
		Entities     uint8
		Interactions uint8
	}
	rs.IPMI = pong.SupportsIPMI()
	rs.Entities = pong.Entities
	rs.Interactions = pong.Interactions
	s.reply(w, http.StatusOK, rs)
}

func (s *server) logout(w http.ResponseWriter, req *http.Request) {
	defer req.Body.Close()
	b, ok := s.bmc(w, req)
	if !ok {
		return
	}
	var rs struct{ Closed bool }
	if sess := s.m.Lookup(b.Session()); sess != nil {
		if e := sess.Logout(); e != nil {
			s.fail(w, http.StatusBadGateway, e.Error())
			return
		}
		rs.Closed = true
	}
	s.reply(w, http.StatusOK, rs)
}

func (s *server) powerStatus(w http.ResponseWriter, req *http.Request) {
	defer req.Body.Close()
	sess, ok := s.session(w, req)
	if !ok {
		return
	}
	var rs struct {
		State string
		Error string `json:",omitempty"`
	}
	st, e := ipmipower.Status(sess)
	if e != nil && st == "" {
		s.fail(w, http.StatusBadGateway, e.Error())
		return
	}
	rs.State = string(st)
	if e != nil {
		rs.Error = e.Error()
	}
	s.reply(w, http.StatusOK, rs)
}

func (s *server) powerControl(w http.ResponseWriter, req *http.Request) {
	defer req.Body.Close()
	op := mux.Vars(req)["op"]
	sess, ok := s.session(w, req)
	if !ok {
		return
	}
	if e := ipmipower.Control(sess, op); e != nil {
		code := http.StatusBadGateway
		if errors.Cause(e) == ipmipower.ErrUnknownOperation {
			code = http.StatusBadRequest
		}
		s.fail(w, code, e.Error())
		return
	}
	s.log.Logf(core.INFO, "%s: power %s", mux.Vars(req)["name"], op)
	s.reply(w, http.StatusOK, struct{ Done bool }{true})
}

// session logs in to the named BMC, or reuses its live session
func (s *server) session(w http.ResponseWriter, req *http.Request) (*core.Session, bool) {
	b, ok := s.bmc(w, req)
	if !ok {
		return nil, false
	}
	sess, e := s.m.Session(b.Session(), nil)
	if e != nil {
		s.fail(w, http.StatusBadGateway, e.Error())
		return nil, false
	}
	return sess, true
}

func (s *server) bmc(w http.ResponseWriter, req *http.Request) (core.BMCConfig, bool) {
	name := mux.Vars(req)["name"]
	b, ok := s.cfg.BMC(name)
	if !ok {
		s.fail(w, http.StatusNotFound, fmt.Sprintf("unknown bmc: %s", name))
	}
	return b, ok
}

func (s *server) fail(w http.ResponseWriter, code int, msg string) {
	s.log.Logf(core.NOTICE, "request failed: %s", msg)
	s.reply(w, code, struct{ Error string }{msg})
}

func (s *server) reply(w http.ResponseWriter, code int, v interface{}) {
	j, _ := json.Marshal(v)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(code)
	if s.log.IsEnabledFor(core.DDEBUG) {
		s.log.Logf(core.DDEBUG, "%s", j)
	}
	w.Write(j)
}
