/* ipmiraw.go: the ipmiraw executable sends a single raw IPMI command to a BMC over the LAN
 *
 * This software is open source software available under the BSD-3 license.
 * Copyright (c) 2018-2021, Triad National Security, LLC
 * See LICENSE file for details.
 */

package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kraken-hpc/ipmisession/core"
	"github.com/kraken-hpc/ipmisession/lib/ipmi"
)

// Globals
var verbose bool

func pError(f string, args ...interface{}) {
	log.Printf("ERROR: "+f, args...)
}

func pFail(f string, args ...interface{}) {
	log.Printf("FAIL: "+f, args...)
	os.Exit(1)
}

func pVerbose(f string, args ...interface{}) {
	if verbose {
		log.Printf("VERBOSE: "+f, args...)
	}
}

// parseByte reads a byte as hex with or without a 0x prefix, so "10" is 0x10 as in ipmitool raw
func parseByte(s string) (uint8, error) {
	h := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, e := strconv.ParseUint(h, 16, 8)
	return uint8(v), e
}

func parseData(s string) ([]byte, error) {
	var data []byte
	for _, f := range strings.FieldsFunc(s, func(r rune) bool { return r == ' ' || r == ',' }) {
		b, e := parseByte(f)
		if e != nil {
			return nil, fmt.Errorf("bad data byte %q: %v", f, e)
		}
		data = append(data, b)
	}
	return data, nil
}

// target resolves the BMC to talk to from flags, optionally by name from a config file
func target(cfg *core.Config, host string, port int, user, password, kg string) core.SessionConfig {
	if b, ok := cfg.BMC(host); ok {
		sc := b.Session()
		if port != 0 {
			sc.Port = port
		}
		if user != "" {
			sc.User = user
		}
		if password != "" {
			sc.Password = password
		}
		if kg != "" {
			sc.Kg = []byte(kg)
		}
		return sc
	}
	sc := core.SessionConfig{Host: host, Port: port, User: user, Password: password}
	if kg != "" {
		sc.Kg = []byte(kg)
	}
	return sc
}

// Entry point

func main() {
	var help bool
	var configFile, host, user, password, kg, netfnStr, cmdStr, dataStr string
	var port int
	var ping bool
	fs := flag.NewFlagSet("ipmiraw", flag.ContinueOnError)
	usage := func() {
		fmt.Println("Usage: ipmiraw [-hv] [-config file] -H host [-U user] [-P password] -netfn n -cmd c [-data bytes]")
		fmt.Println("       ipmiraw [-v] -H host -ping")
		fs.PrintDefaults()
	}
	fs.Usage = usage
	fs.StringVar(&configFile, "config", "", "YAML config with timing and named BMCs")
	fs.StringVar(&host, "H", "", "BMC host, or a BMC name from the config")
	fs.IntVar(&port, "p", 0, "BMC port (default 623)")
	fs.StringVar(&user, "U", "", "user name")
	fs.StringVar(&password, "P", "", "password (or IPMI_PASSWORD)")
	fs.StringVar(&kg, "k", "", "BMC key (Kg), if different from the password")
	fs.StringVar(&netfnStr, "netfn", "", "network function of the request, in hex")
	fs.StringVar(&cmdStr, "cmd", "", "command number, in hex")
	fs.StringVar(&dataStr, "data", "", "request data bytes in hex, space or comma separated")
	fs.BoolVar(&ping, "ping", false, "send an RMCP presence ping instead of a command")
	fs.BoolVar(&verbose, "v", false, "verbose messages")
	fs.BoolVar(&help, "h", false, "print this usage")
	if e := fs.Parse(os.Args[1:]); e != nil {
		os.Exit(1)
	}
	if help {
		usage()
		os.Exit(0)
	}
	if host == "" {
		pError("a host must be specified")
		usage()
		os.Exit(1)
	}
	if password == "" {
		password = os.Getenv("IPMI_PASSWORD")
	}

	cfg := core.DefaultConfig()
	if configFile != "" {
		var e error
		if cfg, e = core.ReadConfig(configFile); e != nil {
			pFail("%v", e)
		}
	}
	lv := core.WARNING
	if verbose {
		lv = core.DEBUG
	}
	m, e := core.NewManager(cfg, core.NewLogrusLogger(os.Stderr, "ipmiraw", lv))
	if e != nil {
		pFail("could not start session manager: %v", e)
	}
	defer m.Close()
	sc := target(cfg, host, port, user, password, kg)

	if ping {
		start := time.Now()
		pong, e := m.Ping(sc.Host, sc.Port, 3*time.Second)
		if e != nil {
			m.Close()
			pFail("%s: %v", sc.Host, e)
		}
		fmt.Printf("%s: pong in %v, entities %#02x, interactions %#02x\n",
			sc.Host, time.Since(start).Round(time.Millisecond), pong.Entities, pong.Interactions)
		return
	}

	netfn, e := parseByte(netfnStr)
	if e != nil {
		m.Close()
		pFail("bad netfn %q: %v", netfnStr, e)
	}
	cmd, e := parseByte(cmdStr)
	if e != nil {
		m.Close()
		pFail("bad cmd %q: %v", cmdStr, e)
	}
	data, e := parseData(dataStr)
	if e != nil {
		m.Close()
		pFail("%v", e)
	}

	s, e := m.Session(sc, nil)
	if e != nil {
		m.Close()
		pFail("%s: %v", sc.Host, e)
	}
	pVerbose("logged in to %s with IPMI %d at privilege level %d", sc.Host, s.IPMIVersion(), s.PrivLevel())
	r, e := s.RawCommand(core.Request{NetFn: netfn, Command: cmd, Data: data})
	if e != nil {
		m.Close()
		pFail("%s: %v", sc.Host, e)
	}
	if es := ipmi.ErrorString(r, ""); es != "" {
		m.Close()
		pFail("%s: %s (code %#02x)", sc.Host, es, r.Code)
	}
	var out []string
	for _, b := range r.Data {
		out = append(out, fmt.Sprintf("%02x", b))
	}
	fmt.Println(strings.Join(out, " "))
	if e = s.Logout(); e != nil {
		pVerbose("logout failed: %v", e)
	}
}
