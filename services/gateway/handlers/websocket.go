package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/strait/services/gateway/datatypes"
	"github.com/AleutianAI/strait/services/gateway/middleware"
	"github.com/AleutianAI/strait/services/gateway/observability"
	"github.com/AleutianAI/strait/services/gateway/services"
)

// WSChatRequest is one chat turn over the socket.
type WSChatRequest struct {
	Model    string              `json:"model"`
	Messages []datatypes.Message `json:"messages"`
}

// WSChatResponse is the reply for one turn.
type WSChatResponse struct {
	Content string `json:"content"`
	Model   string `json:"model"`
	Error   string `json:"error,omitempty"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

func sendJSON(ws *websocket.Conn, v interface{}) error {
	err := ws.WriteJSON(v)
	if err != nil {
		slog.Warn("Failed to write WebSocket JSON", "error", err)
	}
	return err
}

// HandleChatWebSocket runs chat turns over a WebSocket. Every frame on
// one connection shares the session resolved from the upgrade request,
// so overrides set by a command in one turn persist into the next.
func HandleChatWebSocket(pipeline *services.ChatPipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionKey := middleware.GetSessionKey(c)

		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("failed to upgrade the websocket", "error", err)
			return
		}
		defer ws.Close()
		slog.Info("Websocket client connected", "session", sessionKey)

		if m := observability.DefaultMetrics; m != nil {
			m.StreamStarted(observability.EndpointWebSocket)
			defer m.StreamEnded(observability.EndpointWebSocket)
		}

		// Tell the client which session its turns will land on.
		if err := sendJSON(ws, map[string]interface{}{
			"action":  "session_attached",
			"session": sessionKey,
		}); err != nil {
			return
		}

		for {
			var req WSChatRequest
			if err := ws.ReadJSON(&req); err != nil {
				slog.Info("Websocket client disconnected", "error", err.Error())
				break
			}

			resp := handleWSTurn(c, pipeline, sessionKey, &req)
			if err := sendJSON(ws, resp); err != nil {
				return
			}
		}
	}
}

// handleWSTurn runs one frame through the same pipeline as the HTTP
// chat endpoint, so commands, routing, and loop detection all apply.
func handleWSTurn(c *gin.Context, pipeline *services.ChatPipeline, sessionKey string, req *WSChatRequest) WSChatResponse {
	startTime := time.Now()
	success := false
	defer func() {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordRequest(observability.EndpointWebSocket, success)
			m.RecordDuration(observability.EndpointWebSocket, time.Since(startTime).Seconds(), success)
		}
	}()

	resp := WSChatResponse{Model: req.Model}
	if req.Model == "" || len(req.Messages) == 0 {
		resp.Error = "model and messages are required"
		return resp
	}

	creq := datatypes.ChatCompletionRequest{
		Model:    req.Model,
		Messages: req.Messages,
	}
	result, err := pipeline.Process(c.Request.Context(), sessionKey, &creq)
	if err != nil {
		resp.Error = err.Error()
		return resp
	}

	resp.Content = result.Response.Choices[0].Message.Content
	resp.Model = result.Response.Model
	success = true
	return resp
}
