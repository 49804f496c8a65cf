package handlers

import (
	"context"
	"html/template"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/render"
	"go.uber.org/zap"

	"negotiation-chat/internal/auth"
	"negotiation-chat/internal/models"
)

type HireConfirmer interface {
	ConfirmHire(ctx context.Context, chatID, email, outcome string) (models.HireRequest, error)
}

type HireVerifier interface {
	Verify(token string) (auth.HireClaims, error)
}

// HireHandler confirms hire outcomes from emailed links. The signed token is
// the only credential.
type HireHandler struct {
	tokens HireVerifier
	chats  HireConfirmer
	log    *zap.Logger
}

func NewHireHandler(tokens HireVerifier, chats HireConfirmer, log *zap.Logger) *HireHandler {
	return &HireHandler{tokens: tokens, chats: chats, log: log}
}

var confirmPage = template.Must(template.New("confirm").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Confirm hire outcome</title></head>
<body>
<p>Confirm the outcome <strong>{{.Outcome}}</strong> for {{.Email}}?</p>
<form method="post" action="/hire/confirm">
<input type="hidden" name="token" value="{{.Token}}">
<button type="submit">Confirm</button>
</form>
</body>
</html>
`))

func hireToken(c *gin.Context) string {
	if token := c.Query("token"); token != "" {
		return token
	}
	return c.PostForm("token")
}

// Show handles GET /hire/confirm?token= by rendering a confirmation form.
// Nothing is recorded until the form is posted.
func (h *HireHandler) Show(c *gin.Context) {
	token := hireToken(c)
	if token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing token", "code": "missing_token"})
		return
	}
	claims, err := h.tokens.Verify(token)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.Render(http.StatusOK, render.HTML{
		Template: confirmPage,
		Name:     "confirm",
		Data: gin.H{
			"Outcome": claims.Outcome,
			"Email":   claims.Email,
			"Token":   token,
		},
	})
}

// Confirm handles POST /hire/confirm with the token in the query or form.
func (h *HireHandler) Confirm(c *gin.Context) {
	token := hireToken(c)
	if token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing token", "code": "missing_token"})
		return
	}
	claims, err := h.tokens.Verify(token)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	req, err := h.chats.ConfirmHire(c.Request.Context(), claims.ChatID, claims.Email, claims.Outcome)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	h.log.Info("hire outcome confirmed", zap.String("chat_id", req.ChatID), zap.String("outcome", req.Outcome))
	c.JSON(http.StatusOK, gin.H{"hire": req})
}
