package main

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"go-healthscan/activity"
	"go-healthscan/models"
	"go-healthscan/qr"
	"go-healthscan/record"
	"go-healthscan/scan"
)

const ErrorInternal = "error:internal"
const ERR_MARSHAL = "failed to marshal response message"
const ERR_DECODE_BODY = "failed to decode request body"
const ERR_DECODE_IMAGE = "failed to decode uploaded image"
const ERR_ENCODE_QR = "failed to encode qr code"
const ERR_SESSION_CLEAR = "failed to clear session"
const ERR_USER_LISTING = "failed to list users"
const ERR_ACTIVITY_LOG = "failed to read activity log"

type ServerConfig struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	UseTls         bool   `json:"use_tls,omitempty"`
	TlsPrivKeyPath string `json:"tls_priv_key_path,omitempty"`
	TlsCertPath    string `json:"tls_cert_path,omitempty"`
}

type ServerState struct {
	apiClient    MedicalAPIClient
	sessionStore SessionStore
	manager      *record.Manager
	mutator      *record.Mutator
	refresher    *record.Refresher
	decoder      *qr.Decoder
	activityLog  *activity.Logger

	// rootCtx bounds background work started by handlers, such as periodic
	// record refreshes. It outlives any single request.
	rootCtx context.Context
}

type SpaHandler struct {
	staticPath string
	indexPath  string
}

type Server struct {
	server *http.Server
	config ServerConfig
	state  *ServerState
}

func (s *Server) ListenAndServe() error {
	if s.config.UseTls {
		slog.Info("Starting server with TLS", "host", s.config.Host, "port", s.config.Port, "cert", s.config.TlsCertPath, "key", s.config.TlsPrivKeyPath)
		return s.server.ListenAndServeTLS(s.config.TlsCertPath, s.config.TlsPrivKeyPath)
	} else {
		slog.Info("Starting server without TLS", "host", s.config.Host, "port", s.config.Port)
		return s.server.ListenAndServe()
	}
}

func (s *Server) Stop() error {
	slog.Info("Shutting down server")
	s.state.refresher.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.server.Shutdown(ctx)
	if err != nil {
		slog.Error("Error during server shutdown", "error", err)
	} else {
		slog.Info("Server shut down successfully")
	}
	return err
}

// ServeHTTP inspects the URL path to locate a file within the static dir
// on the SPA handler. If a file is found, it will be served. If not, the
// file located at the index path on the SPA handler will be served. This
// is suitable behavior for serving an SPA (single page application).
// https://github.com/gorilla/mux?tab=readme-ov-file#serving-single-page-applications
func (h SpaHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	slog.Debug("SPA handler serving request", "path", r.URL.Path)
	// Join internally call path.Clean to prevent directory traversal
	path := filepath.Join(h.staticPath, r.URL.Path)
	// check whether a file exists or is a directory at the given path
	fi, err := os.Stat(path)
	if os.IsNotExist(err) || fi.IsDir() {
		// file does not exist or path is a directory, serve index.html
		slog.Debug("Serving index.html for path", "path", r.URL.Path)
		http.ServeFile(w, r, filepath.Join(h.staticPath, h.indexPath))
		return
	}

	if err != nil {
		// if we got an error (that wasn't that the file doesn't exist) stating the
		// file, return a 500 internal server error and stop
		slog.Error("Error stating file", "path", path, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// otherwise, use http.FileServer to serve the static file
	slog.Debug("Serving static file", "path", path)
	http.FileServer(http.Dir(h.staticPath)).ServeHTTP(w, r)
}

func newRouter(state *ServerState) *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("Health check request received")
		err := json.NewEncoder(w).Encode(map[string]bool{"ok": true})
		if err != nil {
			slog.Error("failed to write body to http response", "error", err)
		}
	})

	router.HandleFunc("/api/qr/{subject_id}", func(w http.ResponseWriter, r *http.Request) {
		handleGenerateQR(state, w, r)
	}).Methods(http.MethodGet)
	router.HandleFunc("/api/scan-image", func(w http.ResponseWriter, r *http.Request) {
		handleScanImage(state, w, r)
	})
	router.HandleFunc("/api/record/{subject_id}", func(w http.ResponseWriter, r *http.Request) {
		handleGetRecord(state, w, r)
	}).Methods(http.MethodGet)
	router.HandleFunc("/api/record/{subject_id}", func(w http.ResponseWriter, r *http.Request) {
		handleUpdateRecord(state, w, r)
	}).Methods(http.MethodPut)
	router.HandleFunc("/api/logout/{subject_id}", func(w http.ResponseWriter, r *http.Request) {
		handleLogout(state, w, r)
	})

	router.HandleFunc("/api/admin/users", func(w http.ResponseWriter, r *http.Request) {
		handleListUsers(state, w, r)
	}).Methods(http.MethodGet)
	router.HandleFunc("/api/admin/users/{subject_id}/approve", func(w http.ResponseWriter, r *http.Request) {
		handleApproval(state, w, r, true)
	})
	router.HandleFunc("/api/admin/users/{subject_id}/unapprove", func(w http.ResponseWriter, r *http.Request) {
		handleApproval(state, w, r, false)
	})
	router.HandleFunc("/api/admin/users/{subject_id}", func(w http.ResponseWriter, r *http.Request) {
		handleDeleteUser(state, w, r)
	}).Methods(http.MethodDelete)
	router.HandleFunc("/api/admin/find-subject", func(w http.ResponseWriter, r *http.Request) {
		handleFindSubject(state, w, r)
	})
	router.HandleFunc("/api/admin/activity-logs", func(w http.ResponseWriter, r *http.Request) {
		handleActivityLogs(state, w, r)
	}).Methods(http.MethodGet)

	slog.Debug("Registered all API routes")
	return router
}

func NewServer(state *ServerState, config ServerConfig) (*Server, error) {
	slog.Info("Creating new server", "host", config.Host, "port", config.Port, "tls", config.UseTls)
	router := newRouter(state)

	spa := SpaHandler{staticPath: "../frontend/build", indexPath: "index.html"}
	router.PathPrefix("/").Handler(spa)

	addr := fmt.Sprintf("%v:%v", config.Host, config.Port)
	srv := &http.Server{
		Handler: router,
		Addr:    addr,
		// Good practice: enforce timeouts for servers you create!
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
	}

	slog.Info("Server created successfully", "address", addr)
	return &Server{
		server: srv,
		config: config,
		state:  state,
	}, nil
}

const (
	defaultQRSize = 512
	minQRSize     = 128
	maxQRSize     = 2048
)

func handleGenerateQR(state *ServerState, w http.ResponseWriter, r *http.Request) {
	defer closeRequestBody(r)

	subjectID := mux.Vars(r)["subject_id"]
	name := r.URL.Query().Get("name")
	slog.Info("Received request to generate qr code", "subject_id", subjectID)

	size := defaultQRSize
	if raw := r.URL.Query().Get("size"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			respondWithErr(w, http.StatusBadRequest, "invalid size", "invalid qr size parameter", err)
			return
		}
		size = parsed
	}
	if size < minQRSize {
		size = minQRSize
	}
	if size > maxQRSize {
		size = maxQRSize
	}

	code, err := qr.Encode(models.IdentityPayload{SubjectID: subjectID, DisplayName: name})
	if err != nil {
		respondWithErr(w, http.StatusBadRequest, "invalid request", ERR_ENCODE_QR, err)
		return
	}

	pngData, err := code.PNG(size)
	if err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_ENCODE_QR, err)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if _, err := w.Write(pngData); err != nil {
		slog.Error("failed to write body to http response", "error", err)
	}
	slog.Info("QR code generated successfully", "subject_id", subjectID, "size", size)
}

func handleScanImage(state *ServerState, w http.ResponseWriter, r *http.Request) {
	defer closeRequestBody(r)

	if !requirePOST(w, r) {
		return
	}

	slog.Info("Received request to scan an uploaded image")

	img, err := decodeUploadedImage(r)
	if err != nil {
		respondWithErr(w, http.StatusBadRequest, "invalid image", ERR_DECODE_IMAGE, err)
		return
	}

	outcome, err := scan.ScanStill(r.Context(), state.decoder, state.manager, img)
	if err != nil {
		respondWithErr(w, http.StatusServiceUnavailable, "scanner unavailable", "image scan failed", err)
		return
	}

	if outcome.Status == models.ScanStatusSuccess && outcome.ViewModel != nil {
		state.activityLog.Log(r.Context(), activity.ActionScan,
			fmt.Sprintf("Scanned medical QR for: %s", outcome.ViewModel.FullName))
	}

	if err := writeJSON(w, http.StatusOK, outcome); err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_MARSHAL, err)
		return
	}
	slog.Info("Image scan completed", "status", outcome.Status)
}

// decodeUploadedImage accepts either a multipart form with an "image" part
// or a raw PNG/JPEG request body.
func decodeUploadedImage(r *http.Request) (image.Image, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if strings.HasPrefix(mediaType, "multipart/") {
		file, _, err := r.FormFile("image")
		if err != nil {
			return nil, fmt.Errorf("missing image form field: %w", err)
		}
		defer file.Close()
		img, _, err := image.Decode(file)
		if err != nil {
			return nil, fmt.Errorf("failed to decode image: %w", err)
		}
		return img, nil
	}

	img, _, err := image.Decode(r.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, nil
}

func handleGetRecord(state *ServerState, w http.ResponseWriter, r *http.Request) {
	defer closeRequestBody(r)

	subjectID := mux.Vars(r)["subject_id"]
	slog.Info("Received request to view record", "subject_id", subjectID)

	vm, err := state.manager.Refresh(r.Context(), subjectID)
	if err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, "failed to refresh record", err)
		return
	}

	// An open record view keeps refreshing in the background until logout.
	state.refresher.Watch(state.rootCtx, subjectID)

	if err := writeJSON(w, http.StatusOK, vm); err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_MARSHAL, err)
		return
	}
	slog.Info("Record view served", "subject_id", subjectID, "last_updated", vm.LastUpdated)
}

func handleUpdateRecord(state *ServerState, w http.ResponseWriter, r *http.Request) {
	defer closeRequestBody(r)

	subjectID := mux.Vars(r)["subject_id"]
	slog.Info("Received request to update record", "subject_id", subjectID)

	var delta models.RecordDelta
	if err := json.NewDecoder(r.Body).Decode(&delta); err != nil {
		respondWithErr(w, http.StatusBadRequest, "invalid request", ERR_DECODE_BODY, err)
		return
	}

	result, err := state.mutator.Submit(r.Context(), subjectID, delta)
	if err != nil {
		code, body := submitErrorResponse(err)
		respondWithErr(w, code, body, "record update failed", err)
		return
	}

	state.activityLog.Log(r.Context(), activity.ActionUpdate,
		fmt.Sprintf("Updated medical record for %s", delta.FullName))

	if err := writeJSON(w, http.StatusOK, result.ViewModel); err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_MARSHAL, err)
		return
	}
	slog.Info("Record updated successfully", "subject_id", subjectID, "last_updated", result.LastUpdated)
}

// submitErrorResponse maps a classified submit failure to an HTTP status and
// the user-facing message.
func submitErrorResponse(err error) (int, string) {
	se, ok := err.(*record.SubmitError)
	if !ok {
		return http.StatusInternalServerError, ErrorInternal
	}
	switch se.Class {
	case models.UpdateUnreachable:
		return http.StatusBadGateway, se.Message
	case models.UpdateNotFound:
		return http.StatusNotFound, se.Message
	case models.UpdateBadRequest:
		return http.StatusBadRequest, se.Message
	case models.UpdatePermissionDenied:
		return http.StatusForbidden, se.Message
	case models.UpdateServerError:
		return http.StatusBadGateway, se.Message
	default:
		return http.StatusUnprocessableEntity, se.Message
	}
}

func handleLogout(state *ServerState, w http.ResponseWriter, r *http.Request) {
	defer closeRequestBody(r)

	if !requirePOST(w, r) {
		return
	}

	subjectID := mux.Vars(r)["subject_id"]
	slog.Info("Received request to log out", "subject_id", subjectID)

	// All session state goes in one sweep: flags, snapshot, background
	// refresh, in-memory view.
	if err := state.sessionStore.Clear(r.Context(), subjectID); err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_SESSION_CLEAR, err)
		return
	}
	state.refresher.Unwatch(subjectID)
	state.manager.Forget(subjectID)

	if err := writeJSON(w, http.StatusOK, map[string]bool{"ok": true}); err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_MARSHAL, err)
		return
	}
	slog.Info("Session cleared", "subject_id", subjectID)
}

func handleListUsers(state *ServerState, w http.ResponseWriter, r *http.Request) {
	defer closeRequestBody(r)

	slog.Debug("Received request to list users")
	users, err := state.apiClient.ListUsers(r.Context())
	if err != nil {
		respondWithErr(w, http.StatusBadGateway, "upstream unavailable", ERR_USER_LISTING, err)
		return
	}

	if err := writeJSON(w, http.StatusOK, map[string]any{"users": users}); err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_MARSHAL, err)
		return
	}
}

type adminActionRequest struct {
	AdminID  string `json:"admin_id"`
	FullName string `json:"full_name,omitempty"`
}

func handleApproval(state *ServerState, w http.ResponseWriter, r *http.Request, approve bool) {
	defer closeRequestBody(r)

	if !requirePOST(w, r) {
		return
	}

	subjectID := mux.Vars(r)["subject_id"]
	var request adminActionRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		respondWithErr(w, http.StatusBadRequest, "invalid request", ERR_DECODE_BODY, err)
		return
	}

	slog.Info("Received approval change request", "subject_id", subjectID, "approve", approve)

	var err error
	if approve {
		err = state.apiClient.ApproveUser(r.Context(), subjectID, request.AdminID)
	} else {
		err = state.apiClient.UnapproveUser(r.Context(), subjectID, request.AdminID)
	}
	if err != nil {
		respondWithErr(w, http.StatusBadGateway, "upstream unavailable", "approval change failed", err)
		return
	}

	action := activity.ActionApprove
	verb := "Approved"
	if !approve {
		action = activity.ActionUnapprove
		verb = "Removed approval for"
	}
	state.activityLog.Log(r.Context(), action, fmt.Sprintf("%s %s", verb, request.FullName))

	if err := writeJSON(w, http.StatusOK, map[string]bool{"ok": true}); err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_MARSHAL, err)
		return
	}
	slog.Info("Approval change completed", "subject_id", subjectID, "approve", approve)
}

func handleDeleteUser(state *ServerState, w http.ResponseWriter, r *http.Request) {
	defer closeRequestBody(r)

	subjectID := mux.Vars(r)["subject_id"]
	var request adminActionRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		respondWithErr(w, http.StatusBadRequest, "invalid request", ERR_DECODE_BODY, err)
		return
	}

	slog.Info("Received request to delete user", "subject_id", subjectID)

	if err := state.apiClient.DeleteUser(r.Context(), subjectID, request.AdminID); err != nil {
		respondWithErr(w, http.StatusBadGateway, "upstream unavailable", "user deletion failed", err)
		return
	}

	// The deleted subject's local session is gone too.
	if err := state.sessionStore.Clear(r.Context(), subjectID); err != nil {
		slog.Warn(ERR_SESSION_CLEAR, "subject_id", subjectID, "error", err)
	}
	state.refresher.Unwatch(subjectID)
	state.manager.Forget(subjectID)

	state.activityLog.Log(r.Context(), activity.ActionDelete, fmt.Sprintf("Deleted user %s", request.FullName))

	if err := writeJSON(w, http.StatusOK, map[string]bool{"ok": true}); err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_MARSHAL, err)
		return
	}
	slog.Info("User deleted", "subject_id", subjectID)
}

type findSubjectRequest struct {
	FullName    string `json:"full_name"`
	DateOfBirth string `json:"dob"`
}

func handleFindSubject(state *ServerState, w http.ResponseWriter, r *http.Request) {
	defer closeRequestBody(r)

	if !requirePOST(w, r) {
		return
	}

	var request findSubjectRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		respondWithErr(w, http.StatusBadRequest, "invalid request", ERR_DECODE_BODY, err)
		return
	}

	slog.Info("Received request to find subject by attributes", "full_name", request.FullName)

	subjectID, err := state.apiClient.FindSubjectByAttributes(r.Context(), request.FullName, request.DateOfBirth)
	if err != nil {
		respondWithErr(w, http.StatusNotFound, "no matching subject", "subject lookup failed", err)
		return
	}

	if err := writeJSON(w, http.StatusOK, map[string]string{"user_id": subjectID}); err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_MARSHAL, err)
		return
	}
}

func handleActivityLogs(state *ServerState, w http.ResponseWriter, r *http.Request) {
	defer closeRequestBody(r)

	slog.Debug("Received request to read activity log")
	entries, err := state.apiClient.ActivityLogs(r.Context())
	if err != nil {
		respondWithErr(w, http.StatusBadGateway, "upstream unavailable", ERR_ACTIVITY_LOG, err)
		return
	}

	if err := writeJSON(w, http.StatusOK, map[string]any{"logs": entries}); err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_MARSHAL, err)
		return
	}
}

// helpers ------------

func respondWithErr(w http.ResponseWriter, code int, responseBody string, logMsg string, e error) {
	slog.Error(logMsg, "error", e, "status_code", code, "response_body", responseBody)
	w.WriteHeader(code)
	if _, err := w.Write([]byte(responseBody)); err != nil {
		slog.Error("failed to write body to http response", "error", err)
	}
}

func closeRequestBody(r *http.Request) {
	if err := r.Body.Close(); err != nil {
		slog.Error("failed to close request body", "error", err)
	}

}

func requirePOST(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		slog.Debug("Non-POST request rejected", "method", r.Method, "path", r.URL.Path)
		respondWithErr(w, http.StatusMethodNotAllowed, "method not allowed", "invalid method", nil)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	slog.Debug("Writing JSON response", "status_code", status)
	payload, err := json.Marshal(v)
	if err != nil {
		slog.Error("Failed to marshal JSON payload", "error", err)
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err = w.Write(payload)
	if err != nil {
		slog.Error("failed to write body to http response", "error", err)
	} else {
		slog.Debug("JSON response written successfully", "status_code", status, "payload_size", len(payload))
	}
	return nil
}
