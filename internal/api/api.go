// Package api implements the HTTP surface (spec §6): device/user bearer
// auth, the admission/status/deadline endpoints, the viewer fan-out
// mount, and the manual-override/attendance-read endpoints supplementing
// the distilled core.
package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/aulavision/ingest/internal/admission"
	"github.com/aulavision/ingest/internal/apierr"
	"github.com/aulavision/ingest/internal/audit"
	"github.com/aulavision/ingest/internal/health"
	"github.com/aulavision/ingest/internal/logging"
	"github.com/aulavision/ingest/internal/store"
)

var log = logging.L("api")

// DeviceDirectory is the subset of *store.Store the auth handler needs to
// tell an unknown device id (404) from a known one.
type DeviceDirectory interface {
	DeviceExists(ctx context.Context, deviceID string) (bool, error)
}

// ClassLocator resolves a class's currently-active aula, shared with the
// viewer fan-out's 404 rule and reused here for estado_web.
type ClassLocator interface {
	AulaForClass(ctx context.Context, claseID string, now time.Time) (string, error)
	StillActive(ctx context.Context, classID string, now time.Time) (bool, error)
}

// AttendanceStore backs the two supplemented attendance endpoints.
type AttendanceStore interface {
	AttendanceDocument(ctx context.Context, claseID, fecha string) (*store.AttendanceDocument, error)
	ConditionalUpdateStudentRecord(ctx context.Context, claseID, fecha, aulaID, studentID string, fn func(store.AttendanceRecord) store.AttendanceRecord) error
}

// raspberryClaims is the JWT payload issued by /auth/raspberry: claim `id`
// carries id_raspberry_pi, per spec §6.
type raspberryClaims struct {
	ID string `json:"id"`
	jwt.RegisteredClaims
}

// Server wires the HTTP surface's dependencies and exposes the built mux.
type Server struct {
	mux *http.ServeMux

	devices     DeviceDirectory
	oracle      ClassLocator
	attendance  AttendanceStore
	controller  *admission.Controller
	auditLogger *audit.Logger
	jwtSecret   []byte
	viewer      http.Handler
	health      *health.Monitor
}

// New builds the Server and registers all routes. viewer is mounted as-is
// at GET /transmision/video/{id_clase} so the fan-out package owns its own
// 404/503 semantics independently of this package's auth middleware (the
// video endpoint's auth is "optional" per spec §6). monitor backs the
// unauthenticated GET /healthz probe used by orchestrators/load balancers;
// callers own updating it (the ingest worker updates per-aula decoder
// checks, this package doesn't self-report).
func New(devices DeviceDirectory, oracle ClassLocator, attendanceStore AttendanceStore, controller *admission.Controller, auditLogger *audit.Logger, jwtSecret string, viewer http.Handler, monitor *health.Monitor) *Server {
	s := &Server{
		mux:         http.NewServeMux(),
		devices:     devices,
		oracle:      oracle,
		attendance:  attendanceStore,
		controller:  controller,
		auditLogger: auditLogger,
		jwtSecret:   []byte(jwtSecret),
		viewer:      viewer,
		health:      monitor,
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("POST /auth/raspberry", s.handleAuthRaspberry)
	s.mux.Handle("POST /transmision/iniciar", s.deviceAuth(http.HandlerFunc(s.handleIniciar)))
	s.mux.Handle("POST /transmision/estado", s.deviceAuth(http.HandlerFunc(s.handleEstado)))
	s.mux.Handle("GET /transmision/video/{id_clase}", s.viewer)
	s.mux.Handle("POST /transmision/tiempo_maximo/{id_clase}", s.userAuth(http.HandlerFunc(s.handleTiempoMaximo)))
	s.mux.Handle("GET /transmision/estado_web", s.userAuth(http.HandlerFunc(s.handleEstadoWeb)))
	s.mux.Handle("PUT /transmision/asistencias/{id_estudiante}", s.userAuth(http.HandlerFunc(s.handleManualOverride)))
	s.mux.Handle("GET /transmision/asistencias", s.userAuth(http.HandlerFunc(s.handleAttendanceRead)))
}

// handleHealthz reports the worst status across every component the
// ingest worker has registered (e.g. one entry per active aula's decoder).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	summary := s.health.Summary()
	status := http.StatusOK
	if s.health.Overall() == health.Unhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, summary)
}

// --- auth ---

type deviceClaimKey struct{}

// deviceAuth validates a bearer JWT and stashes its `id` claim (the device
// id the token was issued for) in the request context, so handlers can
// compare it against the body's id_raspberry_pi (spec §7 "403 token/device
// mismatch").
func (s *Server) deviceAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deviceID, err := s.parseBearer(r)
		if err != nil {
			writeError(w, apierr.ErrTokenInvalid)
			return
		}
		ctx := context.WithValue(r.Context(), deviceClaimKey{}, deviceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// userAuth validates a bearer JWT without binding it to a specific device
// claim — the instructor/admin surface has no device identity to compare
// against (spec's Non-goals: no token issuance beyond raspberry-pi HS256,
// so user tokens are presumed issued by an external admin system using the
// same signing secret).
func (s *Server) userAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.parseBearer(r); err != nil {
			writeError(w, apierr.ErrTokenInvalid)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) parseBearer(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	tokenStr, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || tokenStr == "" {
		return "", apierr.ErrTokenInvalid
	}

	claims := &raspberryClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, apierr.ErrTokenInvalid
		}
		return s.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return "", apierr.ErrTokenInvalid
	}
	return claims.ID, nil
}

func deviceIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(deviceClaimKey{}).(string)
	return id
}

// handleAuthRaspberry issues a device bearer token for a known device id.
func (s *Server) handleAuthRaspberry(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IDRaspberryPi string `json:"id_raspberry_pi"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.IDRaspberryPi == "" {
		writeError(w, apierr.ErrMalformedBody)
		return
	}

	exists, err := s.devices.DeviceExists(r.Context(), body.IDRaspberryPi)
	if err != nil {
		log.Error("device existence check failed", logging.KeyDevice, body.IDRaspberryPi, logging.KeyError, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !exists {
		writeError(w, apierr.ErrNotFound)
		return
	}

	claims := raspberryClaims{
		ID: body.IDRaspberryPi,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		log.Error("sign raspberry token failed", logging.KeyError, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": signed})
}

// --- transmision ---

func (s *Server) handleIniciar(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IDRaspberryPi string `json:"id_raspberry_pi"`
		Port          int    `json:"port"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.IDRaspberryPi == "" {
		writeError(w, apierr.ErrMalformedBody)
		return
	}
	if body.IDRaspberryPi != deviceIDFromContext(r.Context()) {
		writeError(w, apierr.ErrDeviceMismatch)
		return
	}

	sourceIP := remoteIP(r)
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

	result, err := s.controller.Start(r.Context(), body.IDRaspberryPi, sourceIP, body.Port, token)
	if err != nil {
		log.Error("start admission failed", logging.KeyDevice, body.IDRaspberryPi, logging.KeyError, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"permitido": result.Permitido,
		"id_clase":  optionalString(result.ClaseID),
		"motivo":    optionalString(result.Motivo),
	})
}

func (s *Server) handleEstado(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IDRaspberryPi string `json:"id_raspberry_pi"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.IDRaspberryPi == "" {
		writeError(w, apierr.ErrMalformedBody)
		return
	}
	if body.IDRaspberryPi != deviceIDFromContext(r.Context()) {
		writeError(w, apierr.ErrDeviceMismatch)
		return
	}

	result, err := s.controller.Status(r.Context(), body.IDRaspberryPi)
	if err != nil {
		log.Error("status check failed", logging.KeyDevice, body.IDRaspberryPi, logging.KeyError, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"transmitir": result.Transmitir,
		"id_clase":   optionalString(result.ClaseID),
		"motivo":     optionalString(result.Motivo),
	})
}

func (s *Server) handleTiempoMaximo(w http.ResponseWriter, r *http.Request) {
	claseID := r.PathValue("id_clase")

	var body struct {
		TiempoMaximo int `json:"tiempo_maximo"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apierr.ErrMalformedBody)
		return
	}
	if body.TiempoMaximo <= 0 {
		writeError(w, apierr.ErrInvalidField)
		return
	}

	if err := s.controller.AdjustDeadline(claseID, body.TiempoMaximo*60); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"mensaje": "tiempo máximo actualizado"})
}

func (s *Server) handleEstadoWeb(w http.ResponseWriter, r *http.Request) {
	claseID := r.URL.Query().Get("id_clase")
	if claseID == "" {
		writeError(w, apierr.ErrMalformedBody)
		return
	}

	active, err := s.oracle.StillActive(r.Context(), claseID, time.Now())
	if err != nil {
		log.Error("estado_web check failed", logging.KeyClase, claseID, logging.KeyError, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"transmitir": active})
}

// --- supplemented attendance endpoints ---

func (s *Server) handleManualOverride(w http.ResponseWriter, r *http.Request) {
	studentID := r.PathValue("id_estudiante")

	var body struct {
		IDClase             string `json:"id_clase"`
		Fecha               string `json:"fecha"`
		Estado              string `json:"estado"`
		ModificadoPorUsuario string `json:"modificado_por_usuario"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.IDClase == "" || body.Fecha == "" || body.Estado == "" {
		writeError(w, apierr.ErrMalformedBody)
		return
	}

	state := store.AttendanceState(body.Estado)
	if state != store.StateAusente && state != store.StateConfirmado && state != store.StateTarde {
		writeError(w, apierr.ErrInvalidField)
		return
	}

	aulaID, err := s.oracle.AulaForClass(r.Context(), body.IDClase, time.Now())
	if err != nil {
		log.Error("resolve aula for manual override failed", logging.KeyClase, body.IDClase, logging.KeyError, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	now := time.Now().UTC()
	err = s.attendance.ConditionalUpdateStudentRecord(r.Context(), body.IDClase, body.Fecha, aulaID, studentID, func(rec store.AttendanceRecord) store.AttendanceRecord {
		rec.Estado = state
		rec.ModificadoPorUsuario = body.ModificadoPorUsuario
		rec.ModificadoFecha = &now
		return rec
	})
	if err != nil {
		log.Error("manual override write failed", logging.KeyClase, body.IDClase, "student", studentID, logging.KeyError, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.auditLogger.Log(audit.EventManualOverride, aulaID, body.IDClase, map[string]any{
		"student": studentID,
		"estado":  body.Estado,
		"user":    body.ModificadoPorUsuario,
	})

	writeJSON(w, http.StatusOK, map[string]string{"mensaje": "registro actualizado"})
}

func (s *Server) handleAttendanceRead(w http.ResponseWriter, r *http.Request) {
	claseID := r.URL.Query().Get("id_clase")
	fecha := r.URL.Query().Get("fecha")
	if claseID == "" || fecha == "" {
		writeError(w, apierr.ErrMalformedBody)
		return
	}

	doc, err := s.attendance.AttendanceDocument(r.Context(), claseID, fecha)
	if err != nil {
		log.Error("attendance read failed", logging.KeyClase, claseID, logging.KeyError, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if doc == nil {
		writeError(w, apierr.ErrNotFound)
		return
	}

	writeJSON(w, http.StatusOK, doc)
}

// --- helpers ---

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func optionalString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := apierr.StatusFor(err)
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
