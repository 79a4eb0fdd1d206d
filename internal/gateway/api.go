// ABOUTME: HTTP API handlers for conversations, dashboard, presence and attachments
// ABOUTME: Mutations respond with the post-commit snapshot; event endpoints stream SSE

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/scamaware/support-gateway/internal/attachment"
	"github.com/scamaware/support-gateway/internal/auth"
	"github.com/scamaware/support-gateway/internal/conversation"
	"github.com/scamaware/support-gateway/internal/store"
)

// MessageResponse is the JSON shape of one message.
type MessageResponse struct {
	ID                string `json:"id"`
	Seq               int64  `json:"seq"`
	Sender            string `json:"sender"`
	Text              string `json:"text,omitempty"`
	AttachmentURL     string `json:"attachment_url,omitempty"`
	AttachmentIsImage bool   `json:"attachment_is_image,omitempty"`
	SenderName        string `json:"sender_name"`
	SenderEmail       string `json:"sender_email,omitempty"`
	CreatedAt         string `json:"created_at"`
}

// ConversationResponse is the JSON shape of a conversation snapshot.
type ConversationResponse struct {
	ID               string            `json:"id"`
	OwnerUserID      string            `json:"owner_user_id"`
	OwnerDisplayName string            `json:"owner_display_name"`
	OwnerEmail       string            `json:"owner_email"`
	RoutingState     string            `json:"routing_state"`
	UserTyping       bool              `json:"user_typing"`
	AgentTyping      bool              `json:"agent_typing"`
	UserLastReadAt   string            `json:"user_last_read_at"`
	AgentLastReadAt  string            `json:"agent_last_read_at"`
	CreatedAt        string            `json:"created_at"`
	Messages         []MessageResponse `json:"messages"`
}

// ThreadResponse is one row of the dashboard listing.
type ThreadResponse struct {
	Conversation ConversationResponse `json:"conversation"`
	OwnerOnline  bool                 `json:"owner_online"`
	AgentUnread  int                  `json:"agent_unread"`
}

// AppendMessageRequest is the JSON request body for posting a message.
type AppendMessageRequest struct {
	Text              string `json:"text"`
	AttachmentURL     string `json:"attachment_url,omitempty"`
	AttachmentIsImage bool   `json:"attachment_is_image,omitempty"`
}

// TypingRequest is the JSON request body for the typing indicator.
type TypingRequest struct {
	Typing bool `json:"typing"`
}

// RecipientsRequest is the JSON request body for replacing the agent
// notification recipient list.
type RecipientsRequest struct {
	Recipients []string `json:"recipients"`
}

// UploadResponse is the JSON response for an attachment upload.
type UploadResponse struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
	IsImage  bool   `json:"is_image"`
}

func toMessageResponse(msg *store.Message) MessageResponse {
	return MessageResponse{
		ID:                msg.ID,
		Seq:               msg.Seq,
		Sender:            msg.Sender,
		Text:              msg.Text,
		AttachmentURL:     msg.AttachmentURL,
		AttachmentIsImage: msg.AttachmentIsImage,
		SenderName:        msg.SenderName,
		SenderEmail:       msg.SenderEmail,
		CreatedAt:         msg.CreatedAt.Format(time.RFC3339Nano),
	}
}

func toConversationResponse(conv *store.Conversation) ConversationResponse {
	msgs := make([]MessageResponse, len(conv.Messages))
	for i, m := range conv.Messages {
		msgs[i] = toMessageResponse(m)
	}
	return ConversationResponse{
		ID:               conv.ID,
		OwnerUserID:      conv.OwnerUserID,
		OwnerDisplayName: conv.OwnerDisplayName,
		OwnerEmail:       conv.OwnerEmail,
		RoutingState:     conv.RoutingState,
		UserTyping:       conv.UserTyping,
		AgentTyping:      conv.AgentTyping,
		UserLastReadAt:   conv.UserLastReadAt.Format(time.RFC3339Nano),
		AgentLastReadAt:  conv.AgentLastReadAt.Format(time.RFC3339Nano),
		CreatedAt:        conv.CreatedAt.Format(time.RFC3339Nano),
		Messages:         msgs,
	}
}

// requireIdentity resolves the caller's identity and attaches it to the
// request context. With a verifier configured the bearer token is mandatory;
// without one, identity comes from development headers.
func (g *Gateway) requireIdentity(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := g.identify(r)
		if err != nil {
			g.sendJSONError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), identity)))
	})
}

// identify extracts the caller identity from the request.
func (g *Gateway) identify(r *http.Request) (*auth.Identity, error) {
	if g.verifier != nil {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			return nil, errors.New("missing bearer token")
		}
		identity, err := g.verifier.Identify(token)
		if err != nil {
			g.logger.Debug("token rejected", "error", err)
			return nil, errors.New("invalid token")
		}
		return identity, nil
	}

	// Development mode: trust identity headers verbatim
	userID := r.Header.Get("X-User-Id")
	if userID == "" {
		return nil, errors.New("missing X-User-Id header")
	}
	return &auth.Identity{
		UserID:      userID,
		DisplayName: r.Header.Get("X-User-Name"),
		Email:       r.Header.Get("X-User-Email"),
		Agent:       r.Header.Get("X-User-Agent") == "true",
	}, nil
}

// requireAgent rejects callers whose identity is not an agent.
func (g *Gateway) requireAgent(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := auth.FromContext(r.Context())
		if identity == nil || !identity.Agent {
			g.sendJSONError(w, http.StatusForbidden, "agent access required")
			return
		}
		next(w, r)
	}
}

// role maps an identity onto a conversation role.
func role(identity *auth.Identity) string {
	if identity.Agent {
		return store.RoleAgent
	}
	return store.RoleUser
}

// authorizeConversation loads a conversation and checks the caller may see
// it: agents see everything, users only their own.
func (g *Gateway) authorizeConversation(w http.ResponseWriter, r *http.Request) (*store.Conversation, *auth.Identity, bool) {
	identity := auth.FromContext(r.Context())
	conv, err := g.conversation.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "conversation not found")
		return nil, nil, false
	}
	if err != nil {
		g.logger.Error("failed to load conversation", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return nil, nil, false
	}
	if !identity.Agent && conv.OwnerUserID != identity.UserID {
		g.sendJSONError(w, http.StatusForbidden, "not your conversation")
		return nil, nil, false
	}
	return conv, identity, true
}

// handleCreateConversation handles POST /api/conversations.
// Creation is idempotent per user: an existing conversation is returned.
func (g *Gateway) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	if identity.Agent {
		g.sendJSONError(w, http.StatusForbidden, "agents do not own conversations")
		return
	}

	conv, err := g.conversation.Create(r.Context(), identity.UserID, identity.DisplayName, identity.Email)
	if errors.Is(err, conversation.ErrValidation) {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		g.logger.Error("failed to create conversation", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.sendJSON(w, http.StatusOK, toConversationResponse(conv))
}

// handleMyConversation handles GET /api/conversations/me.
func (g *Gateway) handleMyConversation(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	conv, err := g.conversation.GetByOwner(r.Context(), identity.UserID)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "no conversation")
		return
	}
	if err != nil {
		g.logger.Error("failed to load conversation", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.sendJSON(w, http.StatusOK, toConversationResponse(conv))
}

// handleGetConversation handles GET /api/conversations/{id}.
func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, _, ok := g.authorizeConversation(w, r)
	if !ok {
		return
	}
	g.sendJSON(w, http.StatusOK, toConversationResponse(conv))
}

// handleAppendMessage handles POST /api/conversations/{id}/messages.
func (g *Gateway) handleAppendMessage(w http.ResponseWriter, r *http.Request) {
	conv, identity, ok := g.authorizeConversation(w, r)
	if !ok {
		return
	}

	var req AppendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	snap, err := g.conversation.Append(r.Context(), conv.ID, &conversation.AppendRequest{
		Sender:            role(identity),
		Text:              req.Text,
		SenderName:        identity.DisplayName,
		SenderEmail:       identity.Email,
		AttachmentURL:     req.AttachmentURL,
		AttachmentIsImage: req.AttachmentIsImage,
	})
	if errors.Is(err, conversation.ErrValidation) {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if errors.Is(err, store.ErrAppendConflict) {
		g.sendJSONError(w, http.StatusConflict, "conversation is busy, retry")
		return
	}
	if err != nil {
		g.logger.Error("failed to append message", "error", err, "conversation_id", conv.ID)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.sendJSON(w, http.StatusOK, toConversationResponse(snap))
}

// handleEscalate handles POST /api/conversations/{id}/escalate.
func (g *Gateway) handleEscalate(w http.ResponseWriter, r *http.Request) {
	conv, _, ok := g.authorizeConversation(w, r)
	if !ok {
		return
	}

	snap, err := g.conversation.Escalate(r.Context(), conv.ID)
	if err != nil {
		g.logger.Error("failed to escalate", "error", err, "conversation_id", conv.ID)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.sendJSON(w, http.StatusOK, toConversationResponse(snap))
}

// handleMarkRead handles POST /api/conversations/{id}/read.
func (g *Gateway) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	conv, identity, ok := g.authorizeConversation(w, r)
	if !ok {
		return
	}

	snap, err := g.conversation.MarkRead(r.Context(), conv.ID, role(identity))
	if err != nil {
		g.logger.Error("failed to mark read", "error", err, "conversation_id", conv.ID)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.sendJSON(w, http.StatusOK, toConversationResponse(snap))
}

// handleTyping handles POST /api/conversations/{id}/typing.
func (g *Gateway) handleTyping(w http.ResponseWriter, r *http.Request) {
	conv, identity, ok := g.authorizeConversation(w, r)
	if !ok {
		return
	}

	var req TypingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := g.typing.SetTyping(r.Context(), conv.ID, role(identity), req.Typing); err != nil {
		g.logger.Error("failed to set typing flag", "error", err, "conversation_id", conv.ID)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleConversationEvents handles GET /api/conversations/{id}/events.
// Streams full conversation snapshots over SSE; the current state is sent
// first so clients never start from a gap.
func (g *Gateway) handleConversationEvents(w http.ResponseWriter, r *http.Request) {
	conv, _, ok := g.authorizeConversation(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	snapshots, subID := g.conversation.Subscribe(r.Context(), conversation.Filter{ConversationID: conv.ID})
	g.logger.Debug("conversation event stream opened", "conversation_id", conv.ID, "sub_id", subID)

	g.setSSEHeaders(w)
	g.writeSSEEvent(w, "snapshot", toConversationResponse(conv))
	flusher.Flush()

	g.streamSnapshots(r, w, flusher, snapshots)
}

// handleDashboard handles GET /api/dashboard.
func (g *Gateway) handleDashboard(w http.ResponseWriter, r *http.Request) {
	threads, err := g.dashboard.ListThreads(r.Context())
	if err != nil {
		g.logger.Error("failed to list dashboard threads", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := make([]ThreadResponse, len(threads))
	for i, t := range threads {
		resp[i] = ThreadResponse{
			Conversation: toConversationResponse(t.Conversation),
			OwnerOnline:  t.OwnerOnline,
			AgentUnread:  t.AgentUnread,
		}
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"threads": resp})
}

// handleDashboardEvents handles GET /api/dashboard/events.
// Streams snapshots of every human-routed conversation as they change.
func (g *Gateway) handleDashboardEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	snapshots, subID := g.conversation.Subscribe(r.Context(), conversation.Filter{HumanRouted: true})
	g.logger.Debug("dashboard event stream opened", "sub_id", subID)

	g.setSSEHeaders(w)

	// Prime the stream with the current human-routed set
	convs, err := g.store.ListHumanConversations(r.Context())
	if err != nil {
		g.logger.Error("failed to prime dashboard stream", "error", err)
	} else {
		for _, conv := range convs {
			g.writeSSEEvent(w, "snapshot", toConversationResponse(conv))
		}
	}
	flusher.Flush()

	g.streamSnapshots(r, w, flusher, snapshots)
}

// handleClearThreads handles DELETE /api/dashboard/threads. Removes every
// human-routed conversation and reports how many were deleted.
func (g *Gateway) handleClearThreads(w http.ResponseWriter, r *http.Request) {
	deleted, err := g.store.DeleteHumanConversations(r.Context())
	if err != nil {
		g.logger.Error("failed to clear threads", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.logger.Info("cleared human-routed conversations", "count", deleted)
	g.sendJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}

// handleListRecipients handles GET /api/dashboard/recipients.
func (g *Gateway) handleListRecipients(w http.ResponseWriter, r *http.Request) {
	addrs, err := g.store.ListAgentRecipients(r.Context())
	if err != nil {
		g.logger.Error("failed to list recipients", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.sendJSON(w, http.StatusOK, map[string][]string{"recipients": addrs})
}

// handleSetRecipients handles PUT /api/dashboard/recipients, replacing the
// agent notification recipient list.
func (g *Gateway) handleSetRecipients(w http.ResponseWriter, r *http.Request) {
	var req RecipientsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	for _, addr := range req.Recipients {
		if strings.TrimSpace(addr) == "" || !strings.Contains(addr, "@") {
			g.sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid recipient address %q", addr))
			return
		}
	}

	if err := g.store.SetAgentRecipients(r.Context(), req.Recipients); err != nil {
		g.logger.Error("failed to set recipients", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.sendJSON(w, http.StatusOK, map[string][]string{"recipients": req.Recipients})
}

// handleHeartbeat handles POST /api/presence/heartbeat.
func (g *Gateway) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	if err := g.presence.Heartbeat(r.Context(), identity.UserID); err != nil {
		g.logger.Error("failed to record heartbeat", "error", err, "user", identity.UserID)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleUploadAttachment handles POST /api/attachments (multipart form,
// "file" field). The declared size is validated before any bytes are read;
// the returned URL is what the client puts on its message append.
func (g *Gateway) handleUploadAttachment(w http.ResponseWriter, r *http.Request) {
	maxSize := g.config.Attachments.MaxSizeBytes
	if maxSize <= 0 {
		maxSize = attachment.MaxSizeBytes
	}

	// Some slack for multipart framing overhead
	r.Body = http.MaxBytesReader(w, r.Body, maxSize+64*1024)

	file, header, err := r.FormFile("file")
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "multipart \"file\" field is required")
		return
	}
	defer file.Close()

	if err := attachment.Validate(header.Filename, header.Size, maxSize); err != nil {
		if errors.Is(err, attachment.ErrTooLarge) {
			g.sendJSONError(w, http.StatusRequestEntityTooLarge, err.Error())
			return
		}
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	url, err := g.blobs.Put(r.Context(), uuid.New().String(), header.Filename, file)
	if err != nil {
		g.logger.Error("failed to store attachment", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.sendJSON(w, http.StatusOK, UploadResponse{
		URL:      url,
		Filename: header.Filename,
		IsImage:  attachment.IsImage(header.Filename),
	})
}

// streamSnapshots forwards broadcaster snapshots as SSE events until the
// client disconnects or the subscription closes.
func (g *Gateway) streamSnapshots(r *http.Request, w http.ResponseWriter, flusher http.Flusher, snapshots <-chan *store.Conversation) {
	for {
		select {
		case <-r.Context().Done():
			return
		case snap, ok := <-snapshots:
			if !ok {
				return
			}
			g.writeSSEEvent(w, "snapshot", toConversationResponse(snap))
			flusher.Flush()
		}
	}
}

// setSSEHeaders sets the standard Server-Sent Events headers.
func (g *Gateway) setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// writeSSEEvent writes one SSE event with a JSON data payload.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE event", "error", err, "event", event)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
}

// sendJSON writes a JSON response with the given status code.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
