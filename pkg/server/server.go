// Package server exposes the network and IPAM drivers over the Docker
// remote plugin protocol.
package server

import (
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/docker/go-plugins-helpers/ipam"
	"github.com/docker/go-plugins-helpers/network"
	"github.com/docker/go-plugins-helpers/sdk"
	"github.com/ovs-container-lab/calico-libnetwork/pkg/errdefs"
	"github.com/ovs-container-lab/calico-libnetwork/pkg/metrics"
	"github.com/sirupsen/logrus"
)

const (
	networkDriverName = "NetworkDriver"
	ipamDriverName    = "IpamDriver"
)

// Server routes plugin requests to the drivers. Errors are answered with
// {"Err": message} and a status derived from the error kind.
type Server struct {
	handler sdk.Handler
	metrics *metrics.Metrics
	logger  *logrus.Logger
}

// New builds the plugin handler. ipamDriver may be nil, in which case only
// the network driver is advertised. m may be nil.
func New(networkDriver network.Driver, ipamDriver ipam.Ipam, m *metrics.Metrics, logger *logrus.Logger) *Server {
	implements := []string{networkDriverName}
	if ipamDriver != nil {
		implements = append(implements, ipamDriverName)
	}
	manifest, _ := json.Marshal(map[string][]string{"Implements": implements})

	s := &Server{
		handler: sdk.NewHandler(string(manifest)),
		metrics: m,
		logger:  logger,
	}

	s.registerNetwork(networkDriver)
	if ipamDriver != nil {
		s.registerIPAM(ipamDriver)
	}
	return s
}

// Serve accepts plugin requests on l
func (s *Server) Serve(l net.Listener) error {
	return s.handler.Serve(l)
}

// ServeUnix creates the unix socket at path and serves on it
func (s *Server) ServeUnix(path string) error {
	return s.handler.ServeUnix(path, 0)
}

// handle registers a route whose request body is decoded into a fresh value
// from newReq before call runs.
func (s *Server) handle(operation string, newReq func() interface{}, call func(req interface{}) (interface{}, error)) {
	s.handler.HandleFunc("/"+operation, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		var req interface{}
		if newReq != nil {
			req = newReq()
			if err := sdk.DecodeRequest(w, r, req); err != nil {
				s.logger.WithError(err).WithField("operation", operation).Warn("Malformed request")
				s.metrics.ObserveRequest(operation, http.StatusBadRequest, time.Since(start))
				return
			}
		}

		res, err := call(req)
		s.respond(w, operation, start, res, err)
	})
}

func (s *Server) respond(w http.ResponseWriter, operation string, start time.Time, res interface{}, err error) {
	code := http.StatusOK
	if err != nil {
		code = errdefs.StatusCode(err)
		s.logger.WithError(err).WithFields(logrus.Fields{
			"operation": operation,
			"code":      code,
		}).Error("Request failed")
		res = map[string]string{"Err": err.Error()}
	} else if res == nil {
		res = map[string]string{}
	}

	if s.logger.IsLevelEnabled(logrus.DebugLevel) {
		if body, merr := json.Marshal(res); merr == nil {
			s.logger.Debugf("%s response: %s", operation, body)
		}
	}

	s.metrics.ObserveRequest(operation, code, time.Since(start))

	w.Header().Set("Content-Type", sdk.DefaultContentTypeV1_1)
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		s.logger.WithError(err).Warn("Failed to write response")
	}
}
