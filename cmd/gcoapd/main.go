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

// Command gcoapd runs an example CoAP server exposing a single observable
// /sensor/temp resource, the way cmd/proxy ran the teacher's Matrix-over-
// DTLS bridge.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kb2ma/gcoap"
	"github.com/plgd-dev/go-coap/v2/message/codes"
	"github.com/sirupsen/logrus"
)

var flagListen string

func init() {
	flag.StringVar(&flagListen, "listen", ":5683", "UDP address to listen on")
}

// logrusAdapter satisfies gcoap.Logger, mirroring cmd/proxy/proxy.go's own
// small logrus-backed adapter type.
type logrusAdapter struct{}

func (logrusAdapter) Printf(format string, v ...interface{}) {
	logrus.Infof(format, v...)
}

func main() {
	flag.Parse()

	transport, err := gcoap.ListenUDP(flagListen)
	if err != nil {
		logrus.WithError(err).Fatal("failed to open UDP socket")
	}
	defer transport.Close()

	cfg := gcoap.NewConfig(gcoap.WithLogger(logrusAdapter{}))
	engine, err := gcoap.Init(cfg, transport)
	if err != nil {
		logrus.WithError(err).Fatal("failed to start engine")
	}
	defer engine.Close()

	engine.RegisterListener(gcoap.NewListener(
		gcoap.Resource{
			Path:    "/sensor/temp",
			Methods: gcoap.MethodGet,
			Handler: temperatureHandler(engine),
		},
		gcoap.Resource{
			Path:    "/sensor/config",
			Methods: gcoap.MethodGet | gcoap.MethodPut,
			Handler: sensorConfigHandler,
		},
	))

	go publishTemperature(engine)

	logrus.Infof("gcoapd listening on %s", flagListen)
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}

// temperatureHandler answers a plain GET with the last reading, and
// additionally registers or deregisters an Observe subscription when the
// request carries the Observe option (RFC 7641 Section 3.1).
func temperatureHandler(engine *gcoap.Engine) gcoap.HandlerFunc {
	return func(w *gcoap.Packet, r *gcoap.Packet, remote gcoap.Endpoint) {
		engine.HandleObserveRequest(w, r, remote)
		gcoap.RespInit(w, codes.Content)
		gcoap.Finish(w, 0, []byte(fmt.Sprintf("%.1f C", lastTemperature())))
	}
}

// SensorConfig is the CBOR-encoded body of /sensor/config: the notification
// interval and jitter threshold publishTemperature re-reads every tick.
type SensorConfig struct {
	IntervalSec int     `cbor:"interval_sec"`
	Threshold   float64 `cbor:"threshold"`
}

var sensorConfig = SensorConfig{IntervalSec: 10, Threshold: 0.5}

// sensorConfigHandler serves and updates SensorConfig as application/cbor,
// demonstrating gcoap.MarshalCBORPayload / gcoap.UnmarshalCBORPayload.
func sensorConfigHandler(w *gcoap.Packet, r *gcoap.Packet, remote gcoap.Endpoint) {
	switch gcoap.MethodFlag(r.Code) {
	case gcoap.MethodPut:
		var cfg SensorConfig
		if err := gcoap.UnmarshalCBORPayload(r, &cfg); err != nil {
			gcoap.RespInit(w, codes.BadRequest)
			return
		}
		sensorConfig = cfg
		gcoap.RespInit(w, codes.Changed)
	default:
		gcoap.RespInit(w, codes.Content)
		contentFormat, body, err := gcoap.MarshalCBORPayload(sensorConfig)
		if err != nil {
			gcoap.RespInit(w, codes.InternalServerError)
			return
		}
		gcoap.Finish(w, contentFormat, body)
	}
}

var currentTemperature = 21.0

func lastTemperature() float64 {
	return currentTemperature
}

// publishTemperature simulates a changing sensor reading and pushes it to
// every current observer every SensorConfig.IntervalSec seconds (10 by
// default, changeable through /sensor/config) (RFC 7641 Section 4.2's
// application-driven notification model).
func publishTemperature(engine *gcoap.Engine) {
	ticker := time.NewTicker(time.Duration(sensorConfig.IntervalSec) * time.Second)
	defer ticker.Stop()
	var tick int
	for range ticker.C {
		tick++
		ticker.Reset(time.Duration(sensorConfig.IntervalSec) * time.Second)
		currentTemperature += (rand.Float64() - 0.5) * 2 * sensorConfig.Threshold
		payload := []byte(fmt.Sprintf("%.1f C", currentTemperature))
		// Every fifth notification goes out confirmable, per RFC 7641
		// Section 3.5's guidance to occasionally probe for a dead observer.
		confirmable := tick%5 == 0
		engine.ObsSend("/sensor/temp", confirmable, 0, payload, func(state gcoap.TxState, _ *gcoap.Packet, remote gcoap.Endpoint) {
			if state == gcoap.TxTimeout {
				logrus.Warnf("observer %s did not ACK confirmable notification, may be dead", remote)
			}
		})
	}
}
