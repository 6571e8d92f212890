package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"
)

// Responder produces an automated reply to a support message. The escalation
// state machine only consumes the boolean.
type Responder interface {
	Respond(ctx context.Context, message, language string) (reply string, needsEscalation bool, err error)
}

type faqTopic struct {
	keywords []string
	answers  map[string]string // by language tag
}

// RuleResponder answers common marketplace questions from a keyword table.
// English is the fallback language.
type RuleResponder struct {
	topics   []faqTopic
	escalate faqTopic
	defaults map[string]string
}

func NewRuleResponder() *RuleResponder {
	return &RuleResponder{
		topics: []faqTopic{
			{
				keywords: []string{"payment", "pay", "maksājum"},
				answers: map[string]string{
					"en": "We accept credit cards, PayPal, and bank transfers. Payment is processed securely through our payment gateway. Your order will be confirmed once payment is received.",
					"lv": "Mēs pieņemam kredītkartes, PayPal un bankas pārskaitījumus. Maksājumi tiek apstrādāti droši caur mūsu maksājumu vārteju. Jūsu pasūtījums tiks apstiprināts pēc maksājuma saņemšanas.",
				},
			},
			{
				keywords: []string{"shipping", "delivery", "piegād"},
				answers: map[string]string{
					"en": "We offer standard shipping (5-7 business days) and express shipping (2-3 business days). Free shipping is available for orders over 50.00. Tracking information will be provided once your order ships.",
					"lv": "Mēs piedāvājam standarta piegādi (5-7 darba dienas) un ātrās piegādes (2-3 darba dienas). Bezmaksas piegāde pieejama pasūtījumiem virs 50 €. Izsekošanas informācija tiks sniegta pēc pasūtījuma nosūtīšanas.",
				},
			},
			{
				keywords: []string{"return", "refund", "atgriezt"},
				answers: map[string]string{
					"en": "You can return items within 30 days of purchase. Items must be in original condition. Please contact support to initiate a return. Refunds will be processed within 5-7 business days.",
					"lv": "Jūs varat atgriezt preces 30 dienu laikā pēc pirkuma. Precēm jābūt oriģinālā stāvoklī. Lūdzu, sazinieties ar atbalsta komandu, lai uzsāktu atgriešanu. Atmaksa tiks apstrādāta 5-7 darba dienu laikā.",
				},
			},
			{
				keywords: []string{"account", "profile", "kont"},
				answers: map[string]string{
					"en": "You can update your account information in the Settings page. Go to your profile to change your username, email, or password. If you need help, please contact our support team.",
					"lv": "Jūs varat atjaunināt sava konta informāciju iestatījumu lapā. Dodieties uz savu profilu, lai mainītu lietotājvārdu, e-pastu vai paroli. Ja nepieciešama palīdzība, lūdzu, sazinieties ar mūsu atbalsta komandu.",
				},
			},
			{
				keywords: []string{"sell", "listing fee", "add product", "pievienot produktu"},
				answers: map[string]string{
					"en": "To add a product, go to the 'Sell' section in the navigation menu. Fill in all required fields including name, price, category, and description. A listing fee of 0.5% of the price (minimum 0.50) is charged from your balance.",
					"lv": "Lai pievienotu produktu, dodieties uz 'Pārdot' sadaļu navigācijas izvēlnē. Aizpildiet visus nepieciešamos laukus, ieskaitot nosaukumu, cenu, kategoriju un aprakstu. No jūsu bilances tiek ieturēta ievietošanas maksa 0,5% apmērā (minimums 0,50).",
				},
			},
		},
		escalate: faqTopic{
			keywords: []string{"admin", "moderator", "human", "support", "help me", "palīdz"},
			answers: map[string]string{
				"en": "I'll connect you with a human support agent who can provide more detailed assistance with your inquiry.",
				"lv": "Es jūs savienošu ar cilvēku atbalsta aģentu, kurš var sniegt detalizētāku palīdzību ar jūsu jautājumu.",
			},
		},
		defaults: map[string]string{
			"en": "I'm here to help! I can assist with questions about payments, shipping, returns, account management, and how to use our marketplace. What would you like to know?",
			"lv": "Es esmu šeit, lai palīdzētu! Es varu palīdzēt ar jautājumiem par maksājumiem, piegādi, atgriešanu, konta pārvaldību un tirgus vietas lietošanu. Ko jūs vēlētos zināt?",
		},
	}
}

func (r *RuleResponder) Respond(_ context.Context, message, language string) (string, bool, error) {
	messageLower := strings.ToLower(message)

	// Escalation keywords take precedence over topic matches.
	for _, kw := range r.escalate.keywords {
		if strings.Contains(messageLower, kw) {
			return pickAnswer(r.escalate.answers, language), true, nil
		}
	}

	for _, topic := range r.topics {
		for _, kw := range topic.keywords {
			if strings.Contains(messageLower, kw) {
				return pickAnswer(topic.answers, language), false, nil
			}
		}
	}

	return pickAnswer(r.defaults, language), false, nil
}

func pickAnswer(answers map[string]string, language string) string {
	if answer, ok := answers[language]; ok {
		return answer
	}
	return answers["en"]
}

// RemoteResponder sends unmatched questions to an OpenAI-compatible chat
// endpoint and falls back to the rule table when the call fails or is rate
// limited.
type RemoteResponder struct {
	rules      *RuleResponder
	httpClient *http.Client
	endpoint   string
	apiKey     string
	model      string
}

func NewRemoteResponder(endpoint, apiKey, model string) *RemoteResponder {
	return &RemoteResponder{
		rules:      NewRuleResponder(),
		httpClient: &http.Client{Timeout: 20 * time.Second},
		endpoint:   endpoint,
		apiKey:     apiKey,
		model:      model,
	}
}

func (r *RemoteResponder) Respond(ctx context.Context, message, language string) (string, bool, error) {
	// Keyword hits, including escalation requests, never reach the remote
	// model; its answer would not carry the escalation flag.
	reply, needsEscalation, _ := r.rules.Respond(ctx, message, language)
	if needsEscalation || reply != pickAnswer(r.rules.defaults, language) {
		return reply, needsEscalation, nil
	}

	remote, err := r.callRemote(ctx, message, language)
	if err != nil {
		log.Printf("[ASSISTANT] Remote responder failed, using fallback: %v", err)
		return reply, false, nil
	}
	return remote, false, nil
}

func (r *RemoteResponder) callRemote(ctx context.Context, message, language string) (string, error) {
	systemPrompt := "You are a helpful customer support assistant for a marketplace. Be friendly and helpful. If the customer needs specific assistance, suggest contacting the support team."
	if language == "lv" {
		systemPrompt = "Tu esi palīdzīgs klientu atbalsta asistents tirgus vietnei. Atbildi latviešu valodā. Esi draudzīgs un palīdzīgs. Ja klientam nepieciešama specifiska palīdzība, ieteic sazināties ar atbalsta komandu."
	}

	payload, err := json.Marshal(map[string]any{
		"model": r.model,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": message},
		},
		"max_tokens":  300,
		"temperature": 0.7,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+r.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", fmt.Errorf("rate limited")
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("remote responder returned status %d", resp.StatusCode)
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("empty response")
	}
	return result.Choices[0].Message.Content, nil
}
