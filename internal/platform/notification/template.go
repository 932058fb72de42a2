package notification

import (
	"fmt"
	"strings"
	"sync"
)

type Template struct {
	Subject string
	Body    string
}

// TemplateEngine renders {{key}} placeholders per event type.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[EventType]Template
}

func NewTemplateEngine() *TemplateEngine {
	return &TemplateEngine{templates: map[EventType]Template{
		EventSlotAvailable: {
			Subject: "A slot opened up for {{pet_name}}",
			Body:    "Hi {{owner_name}}, a {{service_name}} slot on {{date}} at {{time}} is available for {{pet_name}}. Accept before {{expires_at}} to keep it.",
		},
		EventOfferConfirmed: {
			Subject: "Appointment confirmed for {{pet_name}}",
			Body:    "Hi {{owner_name}}, {{pet_name}} is booked for {{service_name}} on {{date}} at {{time}}.",
		},
		EventOfferDeclined: {
			Subject: "Waitlist entry withdrawn",
			Body:    "Hi {{owner_name}}, {{pet_name}} has been removed from the {{service_name}} waitlist for {{date}}.",
		},
		EventOfferExpired: {
			Subject: "Your waitlist offer expired",
			Body:    "Hi {{owner_name}}, the {{service_name}} slot offered for {{pet_name}} on {{date}} was not accepted in time.",
		},
		EventNearLimit: {
			Subject: "Recurring {{service_name}} for {{pet_name}} is ending soon",
			Body:    "Hi {{owner_name}}, only {{remaining}} appointment(s) remain in the recurring {{service_name}} plan for {{pet_name}}.",
		},
		EventPatternPaused: {
			Subject: "Recurring appointments paused",
			Body:    "Hi {{owner_name}}, recurring {{service_name}} for {{pet_name}} is paused until {{paused_until}}.",
		},
		EventPatternResumed: {
			Subject: "Recurring appointments resumed",
			Body:    "Hi {{owner_name}}, recurring {{service_name}} for {{pet_name}} has resumed.",
		},
	}}
}

func (e *TemplateEngine) Register(t EventType, tpl Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t] = tpl
}

// Render fills the template for t. Unknown keys are left in place.
func (e *TemplateEngine) Render(t EventType, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	tpl, ok := e.templates[t]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("no template for %q", t)
	}

	pairs := make([]string, 0, len(data)*2)
	for k, v := range data {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	r := strings.NewReplacer(pairs...)
	return r.Replace(tpl.Subject), r.Replace(tpl.Body), nil
}
