package api

import (
	"net/http"

	"chatd/pkg/api/handlers"
	"chatd/pkg/ingest"

	"github.com/gorilla/mux"
)

// Handler returns the REST surface of the service mounted under /v1:
//   - POST /v1/chats: resolve a conversation and record both memberships
//   - GET  /v1/chats/{key}/messages: ascending history
//   - POST /v1/chats/{key}/messages: send through the pipeline
//   - POST /v1/chats/{key}/read: clear the unread counter
//   - GET  /v1/participants/{id}/chats: summaries, most recent first
func Handler(proc *ingest.Processor) http.Handler {
	r := mux.NewRouter()
	v1 := r.PathPrefix("/v1").Subrouter()
	handlers.RegisterChats(v1, proc)
	return r
}
