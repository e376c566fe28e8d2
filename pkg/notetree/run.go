package notetree

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/cors"
	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

// Run serves the API until ctx ends, then shuts down gracefully.
//
// # API Endpoints
//
// Every endpoint except health needs a principal (see package auth).
// Scopes travel as query parameters ownerId, workspaceId, notebookId,
// sectionId, topicId and pageId, or as a JSON "scope" object in bodies.
// A missing ownerId means the caller.
//
//	GET    /api/health                - service health and mode
//	GET    /api/workspaces            - owned and shared workspaces
//	GET    /api/children?{scope}      - children of the scope, in order
//	GET    /api/node?{scope}          - one node
//	POST   /api/node                  - create {parent, name, description, parentPageId}
//	PATCH  /api/node                  - rename, pin, describe or relink
//	DELETE /api/node?{scope}          - cascade delete
//	PUT    /api/order                 - reorder siblings {parent, ids}
//	GET    /api/content?{scope}       - page content
//	PUT    /api/content               - replace page content {scope, body}
//	GET    /api/pages/{id}/scope      - locate a page through the index
//	GET    /api/search?q=             - name search
//	POST   /api/shares                - share a workspace {scope, principal, role}
//	DELETE /api/shares?{scope}&principal=
//	GET    /api/audit?limit=          - the caller's audit log, newest first
//	GET    /api/admin/mode            - read-only state
//	POST   /api/admin/mode            - set read-only state {readOnly}
//	GET    /api/watch                 - websocket live session
func (a *App) Run(ctx context.Context, cmd *RunCommand) error {
	addr := fmt.Sprintf(":%s", a.config.ServerPort)
	server := &http.Server{
		Addr:              addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Hijacked websocket connections see ctx end through their
		// request context.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info().Str("addr", addr).Bool("read_only", a.IsReadOnly()).Msg("starting notetree server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Handler returns the full HTTP handler: routes, authentication and CORS.
func (a *App) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)

	authed := api.NewRoute().Subrouter()
	authed.Use(a.auth.Middleware, a.logRequests)

	authed.HandleFunc("/workspaces", a.handleListWorkspaces).Methods(http.MethodGet)
	authed.HandleFunc("/children", a.handleChildren).Methods(http.MethodGet)
	authed.HandleFunc("/node", a.handleGetNode).Methods(http.MethodGet)
	authed.HandleFunc("/node", a.handleCreateNode).Methods(http.MethodPost)
	authed.HandleFunc("/node", a.handleUpdateNode).Methods(http.MethodPatch)
	authed.HandleFunc("/node", a.handleDeleteNode).Methods(http.MethodDelete)
	authed.HandleFunc("/order", a.handleReorder).Methods(http.MethodPut)
	authed.HandleFunc("/content", a.handleGetContent).Methods(http.MethodGet)
	authed.HandleFunc("/content", a.handleSetContent).Methods(http.MethodPut)
	authed.HandleFunc("/pages/{id}/scope", a.handleResolvePage).Methods(http.MethodGet)
	authed.HandleFunc("/search", a.handleSearch).Methods(http.MethodGet)
	authed.HandleFunc("/shares", a.handleShare).Methods(http.MethodPost)
	authed.HandleFunc("/shares", a.handleUnshare).Methods(http.MethodDelete)
	authed.HandleFunc("/audit", a.handleAudit).Methods(http.MethodGet)
	authed.HandleFunc("/admin/mode", a.handleGetMode).Methods(http.MethodGet)
	authed.HandleFunc("/admin/mode", a.handleSetMode).Methods(http.MethodPost)
	authed.HandleFunc("/watch", a.handleWatch).Methods(http.MethodGet)

	return cors.Handler(cors.Options{
		AllowedOrigins:   a.config.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Principal"},
		AllowCredentials: true,
		MaxAge:           300,
	})(router)
}

func (a *App) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		a.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}
