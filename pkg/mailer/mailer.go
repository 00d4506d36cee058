package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/arcamatrix/arcad/pkg/log"
)

const (
	maxAttempts   = 3
	maxRetryAfter = 60 * time.Second
)

// Mailer sends the transactional welcome email. Policy: three attempts with
// progressive backoff (5s, 10s); 429 honors Retry-After capped at 60s; other
// client errors are final.
type Mailer struct {
	baseURL        string
	apiKey         string
	from           string
	customerDomain string
	http           *http.Client
	sleep          func(time.Duration)
	logger         zerolog.Logger
}

// New creates a mailer for the transactional mail REST API
func New(baseURL, apiKey, from, customerDomain string) *Mailer {
	return &Mailer{
		baseURL:        strings.TrimRight(baseURL, "/"),
		apiKey:         apiKey,
		from:           from,
		customerDomain: customerDomain,
		http:           &http.Client{Timeout: 30 * time.Second},
		sleep:          time.Sleep,
		logger:         log.WithComponent("mailer"),
	}
}

// SendWelcome delivers the onboarding email. The returned flag is recorded
// on the task result; a failed email never fails the task.
func (m *Mailer) SendWelcome(ctx context.Context, customerEmail, customerName, username string, skills []string) bool {
	html, err := m.renderWelcome(customerName, username, skills)
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to render welcome email")
		return false
	}

	payload, err := json.Marshal(map[string]interface{}{
		"from":    m.from,
		"to":      []string{customerEmail},
		"subject": "Your Arcamatrix AI Workspace is Ready!",
		"html":    html,
	})
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to encode email payload")
		return false
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		retryAfter, final, err := m.attempt(ctx, payload)
		if err == nil {
			m.logger.Info().Str("to", customerEmail).Msg("welcome email sent")
			return true
		}
		m.logger.Warn().Err(err).Int("attempt", attempt).Int("max", maxAttempts).Msg("email attempt failed")
		if final {
			return false
		}
		if attempt == maxAttempts {
			break
		}
		if retryAfter > 0 {
			m.sleep(retryAfter)
		} else {
			// Progressive backoff: 5s, 10s
			m.sleep(time.Duration(attempt) * 5 * time.Second)
		}
	}
	m.logger.Error().Str("to", customerEmail).Msg("all email attempts failed")
	return false
}

// attempt posts once. Returns the rate-limit wait when the server asked for
// one, and final=true when retrying cannot help.
func (m *Mailer) attempt(ctx context.Context, payload []byte) (time.Duration, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/emails", bytes.NewReader(payload))
	if err != nil {
		return 0, true, err
	}
	req.Header.Set("Authorization", "Bearer "+m.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.http.Do(req)
	if err != nil {
		return 0, false, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return 0, false, nil
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		wait := 10 * time.Second
		if header := resp.Header.Get("Retry-After"); header != "" {
			if secs, err := strconv.Atoi(header); err == nil {
				wait = time.Duration(secs) * time.Second
			}
		}
		if wait > maxRetryAfter {
			wait = maxRetryAfter
		}
		return wait, false, fmt.Errorf("rate limited: HTTP 429")
	}

	err = fmt.Errorf("mail API: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return 0, true, err
	}
	return 0, false, err
}

type welcomeData struct {
	CustomerName string
	WorkspaceURL string
	SkillsList   string
}

func (m *Mailer) renderWelcome(customerName, username string, skills []string) (string, error) {
	list := "  - General AI Assistant"
	if len(skills) > 0 {
		var b strings.Builder
		for i, skill := range skills {
			if i > 0 {
				b.WriteString("\n")
			}
			b.WriteString("  - " + skill)
		}
		list = b.String()
	}

	var buf bytes.Buffer
	err := welcomeTmpl.Execute(&buf, welcomeData{
		CustomerName: customerName,
		WorkspaceURL: fmt.Sprintf("https://%s.%s", username, m.customerDomain),
		SkillsList:   list,
	})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}

var welcomeTmpl = template.Must(template.New("welcome").Parse(`<!DOCTYPE html>
<html><head><style>
body{font-family:-apple-system,BlinkMacSystemFont,'Segoe UI',Roboto,sans-serif;line-height:1.6;color:#333;max-width:600px;margin:0 auto;padding:20px}
.header{background:linear-gradient(135deg,#667eea,#764ba2);color:#fff;padding:30px;border-radius:10px 10px 0 0;text-align:center}
.content{background:#f9fafb;padding:30px;border-radius:0 0 10px 10px}
.cred-box{background:#fff;border:2px solid #667eea;border-radius:8px;padding:20px;margin:20px 0}
.cred-row{display:flex;justify-content:space-between;margin:10px 0;padding:10px;background:#f3f4f6;border-radius:5px}
.cred-label{font-weight:bold;color:#667eea}
.cred-value{font-family:'Courier New',monospace;color:#1f2937}
.btn{display:inline-block;background:linear-gradient(135deg,#667eea,#764ba2);color:#fff;padding:15px 30px;text-decoration:none;border-radius:8px;font-weight:bold;margin:20px 0}
.footer{text-align:center;margin-top:30px;color:#6b7280;font-size:14px}
</style></head><body>
<div class="header"><h1>Welcome to Arcamatrix!</h1></div>
<div class="content">
<p>Hi {{.CustomerName}},</p>
<p>Your personal AI workspace is ready! Here are your login details:</p>
<div class="cred-box">
<h3 style="margin-top:0;color:#667eea">Your Login Credentials</h3>
<div class="cred-row"><span class="cred-label">Workspace URL:</span><span class="cred-value">{{.WorkspaceURL}}</span></div>
<div class="cred-row"><span class="cred-label">Login:</span><span class="cred-value">Use the password you set after checkout</span></div>
<p style="margin-top:15px;color:#6b7280;font-size:14px">Use the password you set after checkout to log in.</p>
</div>
<div style="background:#fff;border-radius:8px;padding:20px;margin:20px 0">
<h3 style="margin-top:0;color:#667eea">Your Active Skills</h3>
<pre style="margin:0;white-space:pre-wrap;color:#1f2937">{{.SkillsList}}</pre>
</div>
<div style="text-align:center"><a href="{{.WorkspaceURL}}" class="btn">Open Your Workspace</a></div>
<h3 style="color:#667eea">Getting Started</h3>
<ol style="color:#4b5563">
<li>Click the button above to access your workspace</li>
<li>Enter your password to sign in</li>
<li>Start chatting with your AI assistant</li>
<li>Configure additional skills in the Skills tab</li>
</ol>
<p>Need help? Reply to this email.</p>
<p style="margin-top:30px">Best regards,<br><strong>The Arcamatrix Team</strong></p>
</div>
<div class="footer"><p>2026 Arcamatrix. All rights reserved.</p></div>
</body></html>`))
