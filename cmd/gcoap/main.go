// Copyright 2021 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kb2ma/gcoap"
	"github.com/plgd-dev/go-coap/v2/message/codes"
	"github.com/sirupsen/logrus"
)

var (
	flagMethod  string
	flagData    string
	flagObserve bool
	flagCount   int
)

func init() {
	flag.StringVar(&flagMethod, "request", "GET", "CoAP method")
	flag.StringVar(&flagMethod, "X", "GET", "CoAP method (shorthand of --request)")
	flag.StringVar(&flagData, "data", "", "Request payload")
	flag.StringVar(&flagData, "d", "", "Request payload (shorthand of --data)")
	flag.BoolVar(&flagObserve, "observe", false, "Register an Observe subscription instead of a plain GET")
	flag.IntVar(&flagCount, "count", 0, "Stop after this many notifications (0 = run forever), only with -observe")
}

// logrusAdapter satisfies gcoap.Logger, mirroring cmd/gcoapd/main.go's own
// small logrus-backed adapter type.
type logrusAdapter struct{}

func (logrusAdapter) Printf(format string, v ...interface{}) {
	logrus.Infof(format, v...)
}

func methodCode(name string) codes.Code {
	switch strings.ToUpper(name) {
	case "GET":
		return codes.GET
	case "POST":
		return codes.POST
	case "PUT":
		return codes.PUT
	case "DELETE":
		return codes.DELETE
	default:
		return codes.GET
	}
}

func splitHostPortPath(target string) (host string, port int, path string, err error) {
	path = "/"
	if idx := strings.Index(target, "/"); idx >= 0 {
		path = target[idx:]
		target = target[:idx]
	}
	h, p, err := net.SplitHostPort(target)
	if err != nil {
		return "", 0, "", err
	}
	port, err = strconv.Atoi(p)
	return h, port, path, err
}

func main() {
	flag.Parse()
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage of gcoap:\n")
		flag.PrintDefaults()
		fmt.Println("Example:          gcoap -X GET 127.0.0.1:5683/sensor/temp")
		fmt.Println("Example (observe): gcoap -observe 127.0.0.1:5683/sensor/temp")
	}
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(1)
	}

	host, port, path, err := splitHostPortPath(flag.Arg(0))
	if err != nil {
		logrus.WithError(err).Fatal("invalid target")
	}

	transport, err := gcoap.ListenUDP(":0")
	if err != nil {
		logrus.WithError(err).Fatal("failed to open socket")
	}
	defer transport.Close()

	cfg := gcoap.NewConfig(gcoap.WithSynchronousSend(!flagObserve), gcoap.WithLogger(logrusAdapter{}))
	engine, err := gcoap.Init(cfg, transport)
	if err != nil {
		logrus.WithError(err).Fatal("failed to start engine")
	}
	defer engine.Close()

	remote := gcoap.Endpoint{Family: "udp4", Addr: net.ParseIP(host), Port: port}

	if flagObserve {
		runObserve(engine, remote, path)
		return
	}

	req, err := engine.ReqInit(methodCode(flagMethod), path)
	if err != nil {
		logrus.WithError(err).Fatal("failed to build request")
	}
	if flagData != "" {
		gcoap.Finish(req, 0, []byte(flagData))
	}
	err = engine.ReqSend(req, remote, func(state gcoap.TxState, resp *gcoap.Packet, from gcoap.Endpoint) {
		if state == gcoap.TxTimeout {
			fmt.Println("(timeout)")
			return
		}
		fmt.Printf("%s\n%s\n", resp.Code, resp.Payload)
	})
	if err != nil {
		logrus.WithError(err).Fatal("request failed")
	}
}

func runObserve(engine *gcoap.Engine, remote gcoap.Endpoint, path string) {
	req, err := engine.ReqInit(codes.GET, path)
	if err != nil {
		logrus.WithError(err).Fatal("failed to build request")
	}
	req.Options = req.Options.SetObserve(0)

	var obs gcoap.Observation
	received := 0
	done := make(chan struct{})
	err = engine.ReqObserve(req, remote, func(state gcoap.TxState, resp *gcoap.Packet, from gcoap.Endpoint) {
		if state == gcoap.TxTimeout {
			logrus.Info("observe registration timed out")
			close(done)
			return
		}
		seq, _ := resp.Options.Observe()
		if !obs.Accept(seq, time.Now()) {
			return
		}
		received++
		fmt.Printf("[%d] %s\n", seq, resp.Payload)
		if flagCount > 0 && received >= flagCount {
			close(done)
		}
	})
	if err != nil {
		logrus.WithError(err).Fatal("observe failed")
	}
	<-done
}
