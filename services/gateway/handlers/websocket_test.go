// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/strait/services/gateway/datatypes"
)

func dialWS(t *testing.T, h *handlerHarness) (*websocket.Conn, func()) {
	t.Helper()

	h.router.GET("/v1/chat/ws", HandleChatWebSocket(h.pipeline))
	srv := httptest.NewServer(h.router)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/chat/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	return ws, func() {
		ws.Close()
		srv.Close()
	}
}

func wsTurn(model string, contents ...string) WSChatRequest {
	msgs := make([]datatypes.Message, 0, len(contents))
	for _, c := range contents {
		msgs = append(msgs, datatypes.Message{Role: "user", Content: datatypes.MessageContent(c)})
	}
	return WSChatRequest{Model: model, Messages: msgs}
}

func TestHandleChatWebSocket_ChatTurn(t *testing.T) {
	h := newHandlerHarness(t)
	ws, teardown := dialWS(t, h)
	defer teardown()

	var hello map[string]interface{}
	require.NoError(t, ws.ReadJSON(&hello))
	assert.Equal(t, "session_attached", hello["action"])
	assert.NotEmpty(t, hello["session"])

	require.NoError(t, ws.WriteJSON(wsTurn("gpt-x", "hi there")))

	var resp WSChatResponse
	require.NoError(t, ws.ReadJSON(&resp))
	assert.Empty(t, resp.Error)
	assert.Equal(t, "upstream answer", resp.Content)
	assert.Equal(t, "gpt-x", resp.Model)
}

func TestHandleChatWebSocket_CommandsPersistAcrossTurns(t *testing.T) {
	h := newHandlerHarness(t)
	ws, teardown := dialWS(t, h)
	defer teardown()

	var hello map[string]interface{}
	require.NoError(t, ws.ReadJSON(&hello))

	require.NoError(t, ws.WriteJSON(wsTurn("gpt-x", "!/set(project=wsdemo)")))
	var first WSChatResponse
	require.NoError(t, ws.ReadJSON(&first))
	assert.Empty(t, first.Error)
	assert.Contains(t, first.Content, "set project=wsdemo")

	require.NoError(t, ws.WriteJSON(wsTurn("gpt-x", "next turn")))
	var second WSChatResponse
	require.NoError(t, ws.ReadJSON(&second))
	assert.Empty(t, second.Error)

	// Both turns landed on the connection's session.
	views := h.store.List()
	require.Len(t, views, 1)
	assert.Equal(t, "wsdemo", views[0].Project)
	assert.Equal(t, int64(1), views[0].Usage.Requests,
		"only the routed turn counts as an upstream request")
}

func TestHandleChatWebSocket_BadFrameGetsErrorReply(t *testing.T) {
	h := newHandlerHarness(t)
	ws, teardown := dialWS(t, h)
	defer teardown()

	var hello map[string]interface{}
	require.NoError(t, ws.ReadJSON(&hello))

	require.NoError(t, ws.WriteJSON(WSChatRequest{Model: "gpt-x"}))

	var resp WSChatResponse
	require.NoError(t, ws.ReadJSON(&resp))
	assert.NotEmpty(t, resp.Error)
	assert.Zero(t, h.backend.callCount())
}
