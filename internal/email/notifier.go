package email

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"

	"github.com/dukerupert/eagleeyes/internal/model"
)

// Notifier renders licensing notifications and hands them to a Sender.
type Notifier struct {
	sender      Sender
	opsEmail    string
	downloadURL string
	logger      *slog.Logger
}

// NewNotifier sends to license holders and falls back to opsEmail when a
// license lists nobody.
func NewNotifier(sender Sender, opsEmail, downloadURL string, logger *slog.Logger) *Notifier {
	return &Notifier{
		sender:      sender,
		opsEmail:    opsEmail,
		downloadURL: downloadURL,
		logger:      logger,
	}
}

func (n *Notifier) LicenseCreated(ctx context.Context, lic model.License) error {
	to := lic.Emails
	if len(to) == 0 {
		if n.opsEmail == "" {
			n.logger.Debug("license has no emails, skipping notification", "license_id", lic.ID)
			return nil
		}
		to = []string{n.opsEmail}
	}

	subject := fmt.Sprintf("Your Eagle Eyes %s license is ready", lic.Tier)
	lines := []string{
		fmt.Sprintf("A license has been issued for %s.", displayName(lic)),
		"",
		fmt.Sprintf("License ID: %s", lic.ID),
		fmt.Sprintf("Tier: %s", lic.Tier),
		fmt.Sprintf("Machines: %d", lic.NTokens),
		fmt.Sprintf("Expires: %s", lic.Expiry),
	}
	if len(lic.Domains) > 0 {
		lines = append(lines, fmt.Sprintf("Anyone with an address at %s can use it.", strings.Join(lic.Domains, ", ")))
	}
	lines = append(lines, "", "Sign in to Eagle Eyes with this email address to activate it on a machine.")
	if n.downloadURL != "" {
		lines = append(lines, fmt.Sprintf("Download the app: %s", n.downloadURL))
	}

	return n.send(ctx, Message{To: to, Subject: subject, Tag: "license-created"}, lines)
}

func (n *Notifier) TokenCreated(ctx context.Context, lic model.License, tc model.TokenAndCode, userName string) error {
	to := lic.PrimaryContact()
	if to == "" {
		to = n.opsEmail
	}
	if to == "" {
		return nil
	}

	tok := tc.Token
	subject := fmt.Sprintf("New machine activated on %s", displayName(lic))
	lines := []string{
		fmt.Sprintf("%s (%s) activated a machine on license %s.", userName, tok.Email, lic.ID),
		"",
		fmt.Sprintf("Token ID: %s", tok.ID),
		fmt.Sprintf("Machine: %s", orDash(tok.MachineID)),
		fmt.Sprintf("Tier: %s", tok.Tier),
		fmt.Sprintf("Expires: %s", tok.Expiry),
	}
	if lic.NTokens > 0 {
		lines = append(lines, fmt.Sprintf("This license allows %d active machines.", lic.NTokens))
	}

	return n.send(ctx, Message{To: []string{to}, Subject: subject, Tag: "token-created"}, lines)
}

func (n *Notifier) LicenseMissing(ctx context.Context, licenseID, userEmail string) error {
	if n.opsEmail == "" {
		return fmt.Errorf("license %s missing: no operations address configured", licenseID)
	}
	msg := Message{
		To:      []string{n.opsEmail},
		Subject: fmt.Sprintf("License %s not found after purchase", licenseID),
		Tag:     "license-missing",
	}
	if userEmail != "" {
		msg.Cc = []string{userEmail}
	}
	lines := []string{
		fmt.Sprintf("A purchase for %s completed but license %s is not in the database.", orDash(userEmail), licenseID),
		"",
		"We have been notified and will set up the license by hand. Reply to this email if you have questions.",
	}
	return n.send(ctx, msg, lines)
}

// RegistrationApproved tells a user their account was approved without a
// license being issued.
func (n *Notifier) RegistrationApproved(ctx context.Context, email string) error {
	lines := []string{
		"Your Eagle Eyes registration has been approved.",
		"",
		fmt.Sprintf("Sign in to Eagle Eyes as %s to get started.", email),
	}
	if n.downloadURL != "" {
		lines = append(lines, fmt.Sprintf("Download the app: %s", n.downloadURL))
	}
	msg := Message{To: []string{email}, Subject: "Your Eagle Eyes registration is approved", Tag: "registration-approved"}
	return n.send(ctx, msg, lines)
}

func (n *Notifier) send(ctx context.Context, msg Message, lines []string) error {
	msg.TextBody = strings.Join(lines, "\n")

	var b strings.Builder
	for _, line := range lines {
		if line == "" {
			continue
		}
		fmt.Fprintf(&b, "<p>%s</p>", html.EscapeString(line))
	}
	msg.HTMLBody = b.String()

	if err := n.sender.Send(ctx, msg); err != nil {
		return fmt.Errorf("send %q: %w", msg.Subject, err)
	}
	n.logger.Info("notification sent", "tag", msg.Tag, "to", msg.To)
	return nil
}

func displayName(lic model.License) string {
	if lic.Name != "" {
		return lic.Name
	}
	return lic.ID
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
