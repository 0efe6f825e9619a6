package finalize

import (
	"fmt"
	"strings"
	"time"

	"github.com/vozlab/arivoz/internal/session"
)

// RenderConversationLog formats a call's utterance history as the human
// review log. One line per utterance, speaker-tagged.
func RenderConversationLog(sess *session.Session) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Llamada %s\n", sess.LinkedID)
	fmt.Fprintf(&b, "De %s a %s (bot %s)\n", sess.Caller, sess.Callee, sess.BotName)
	fmt.Fprintf(&b, "Inicio: %s\n", sess.StartedAt.Format(time.RFC3339))
	if !sess.EndedAt.IsZero() {
		fmt.Fprintf(&b, "Fin: %s (%s)\n", sess.EndedAt.Format(time.RFC3339), sess.EndReason)
	}
	b.WriteString("\n")

	for _, u := range sess.History {
		switch u.Role {
		case session.RoleUser:
			fmt.Fprintf(&b, "👤 Usuario: %s\n", u.Content)
		case session.RoleAssistant:
			fmt.Fprintf(&b, "🤖 Asistente: %s\n", u.Content)
		}
	}
	return b.String()
}
