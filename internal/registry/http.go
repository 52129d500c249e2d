// HTTP surface for the Node Registry, grounded on the teacher's
// `messaging/nostrelay.Start` (gorilla/mux router, rs/cors middleware, a short-timeout
// http.Server), generalized from a single websocket route into the four REST
// endpoints §4.11 exposes to external collaborators.
package registry

import (
	"encoding/hex"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/calendrion/core/internal/calcore"
	"github.com/calendrion/core/internal/calerr"
)

// VerifyHMAC is supplied by the caller (the Audit Engine owns the {t-1,t,t+1} window
// logic, per §4.9) so this package stays free of audit-specific policy.
type VerifyHMAC func(tntAddr, publicURI, tag string) bool

// Server is the Node Registry's HTTP surface.
type Server struct {
	reg        *Registry
	verifyHMAC VerifyHMAC
	router     *mux.Router
	srv        *http.Server
}

func NewServer(reg *Registry, addr string, verifyHMAC VerifyHMAC) *Server {
	s := &Server{reg: reg, verifyHMAC: verifyHMAC, router: mux.NewRouter()}
	s.router.HandleFunc("/nodes/random", s.handleRandomHealthy).Methods(http.MethodGet)
	s.router.HandleFunc("/nodes/blacklist", s.handleBlacklist).Methods(http.MethodGet)
	s.router.HandleFunc("/node", s.handleCreate).Methods(http.MethodPost)
	s.router.HandleFunc("/node/{tnt_addr}", s.handleUpdate).Methods(http.MethodPut)
	s.srv = &http.Server{
		Handler:           cors.Default().Handler(s.router),
		Addr:              addr,
		WriteTimeout:      2 * time.Second,
		ReadTimeout:       2 * time.Second,
		IdleTimeout:       30 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
	}
	return s
}

// Start blocks serving HTTP until the server is closed, matching the teacher's
// `nostrelay.Start` blocking-listen shape.
func (s *Server) Start() error {
	calcore.Log("Starting node registry HTTP surface on "+s.srv.Addr, 4)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return calerr.Wrap(calerr.Fatal, "node registry http server", err)
	}
	return nil
}

func (s *Server) Close() error {
	return s.srv.Close()
}

func (s *Server) handleRandomHealthy(w http.ResponseWriter, r *http.Request) {
	n := 25
	if q := r.URL.Query().Get("n"); q != "" {
		if v, ok := parsePositiveInt(q); ok {
			n = v
		}
	}
	writeJSON(w, http.StatusOK, s.reg.RandomHealthy(n))
}

func (s *Server) handleBlacklist(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.Blacklist())
}

type createRequest struct {
	TntAddr   string `json:"tnt_addr"`
	PublicURI string `json:"public_uri"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, calerr.New(calerr.Validation, "malformed json body"))
		return
	}
	ip := remoteIP(r)
	version := r.Header.Get("x-node-version")
	node, err := s.reg.Create(req.TntAddr, req.PublicURI, version, ip)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, struct {
		TntAddr string `json:"tnt_addr"`
		HMACKey string `json:"hmac_key"`
	}{node.TntAddr, hex.EncodeToString(node.HMACKey)})
}

type updateRequest struct {
	PublicURI string `json:"public_uri"`
	HMAC      string `json:"hmac"`
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	tntAddr := mux.Vars(r)["tnt_addr"]
	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, calerr.New(calerr.Validation, "malformed json body"))
		return
	}
	version := r.Header.Get("x-node-version")
	node, err := s.reg.Update(tntAddr, req.PublicURI, req.HMAC, version, s.verifyHMAC)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		TntAddr   string `json:"tnt_addr"`
		PublicURI string `json:"public_uri"`
	}{node.TntAddr, node.PublicURI})
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func parsePositiveInt(s string) (int, bool) {
	n := 0
	if s == "" {
		return 0, false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	writeJSON(w, calerr.HTTPStatusFor(err), struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}{calerr.RegistryCodeFor(err), err.Error()})
}

