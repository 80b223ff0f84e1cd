// Package notify delivers customer emails over SMTP and operator alerts
// through Telegram. Customer-facing messages are in Arabic.
package notify

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"khayal/internal/config"
)

// loginAuth implements smtp.Auth for the LOGIN mechanism. The standard
// library only ships PlainAuth, but several regional mail providers accept
// only LOGIN.
type loginAuth struct {
	username, password string
}

func newLoginAuth(username, password string) smtp.Auth {
	return &loginAuth{username, password}
}

func (a *loginAuth) Start(server *smtp.ServerInfo) (string, []byte, error) {
	return "LOGIN", []byte(a.username), nil
}

func (a *loginAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	if more {
		prompt := strings.TrimSpace(string(fromServer))
		switch strings.ToLower(prompt) {
		case "username:", "user name", "user name:":
			return []byte(a.username), nil
		case "password:", "password":
			return []byte(a.password), nil
		default:
			return nil, fmt.Errorf("unexpected LOGIN prompt: %s", prompt)
		}
	}
	return nil, nil
}

// unrestrictedPlainAuth implements PLAIN without the stdlib's TLS check.
// smtp.PlainAuth refuses credentials over connections it cannot confirm as
// TLS, which misfires on implicit-TLS (port 465) connections where we
// manage TLS ourselves.
type unrestrictedPlainAuth struct {
	identity, username, password, host string
}

func newUnrestrictedPlainAuth(identity, username, password, host string) smtp.Auth {
	return &unrestrictedPlainAuth{identity, username, password, host}
}

func (a *unrestrictedPlainAuth) Start(server *smtp.ServerInfo) (string, []byte, error) {
	resp := []byte(a.identity + "\x00" + a.username + "\x00" + a.password)
	return "PLAIN", resp, nil
}

func (a *unrestrictedPlainAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	if more {
		return nil, errors.New("unexpected server challenge during PLAIN auth")
	}
	return nil, nil
}

// EmailService sends emails via SMTP.
type EmailService struct {
	cfg func() config.SMTPConfig
}

// NewEmailService creates an email service that reads SMTP config
// dynamically, so admin changes apply without a restart.
func NewEmailService(cfgFn func() config.SMTPConfig) *EmailService {
	return &EmailService{cfg: cfgFn}
}

// SendPreviewReady tells a waiting contact their story preview is done.
func (s *EmailService) SendPreviewReady(toEmail, childName, previewURL string) error {
	subject := "معاينة قصتك جاهزة"
	body := fmt.Sprintf(
		"مرحباً،\r\n\r\n"+
			"معاينة قصة %s أصبحت جاهزة الآن!\r\n\r\n"+
			"شاهدها من هنا:\r\n%s\r\n\r\n"+
			"المعاينة متاحة لمدة 7 أيام.\r\n\r\n"+
			"فريق خيال",
		childName, previewURL,
	)
	return s.sendTo(toEmail, subject, body)
}

// SendOrderConfirmation confirms a new order to the customer.
func (s *EmailService) SendOrderConfirmation(toEmail, customerName, orderNumber string) error {
	subject := fmt.Sprintf("تأكيد الطلب %s", orderNumber)
	body := fmt.Sprintf(
		"مرحباً %s،\r\n\r\n"+
			"شكراً لطلبك! رقم طلبك هو: %s\r\n\r\n"+
			"نقوم الآن بإعداد الكتاب المخصص، وسنرسل لك رابط التحميل فور اكتماله.\r\n\r\n"+
			"فريق خيال",
		customerName, orderNumber,
	)
	return s.sendTo(toEmail, subject, body)
}

// SendBookReady delivers the download link for a completed book.
func (s *EmailService) SendBookReady(toEmail, customerName, orderNumber, downloadURL string) error {
	subject := fmt.Sprintf("كتابك جاهز — الطلب %s", orderNumber)
	body := fmt.Sprintf(
		"مرحباً %s،\r\n\r\n"+
			"اكتمل إعداد كتابك المخصص!\r\n\r\n"+
			"حمّله من هنا:\r\n%s\r\n\r\n"+
			"فريق خيال",
		customerName, downloadURL,
	)
	return s.sendTo(toEmail, subject, body)
}

// SendTest sends a test email to verify SMTP configuration.
func (s *EmailService) SendTest(toEmail string) error {
	return s.sendTo(toEmail, "رسالة اختبار", "إعدادات البريد تعمل بشكل صحيح.")
}

func (s *EmailService) sendTo(toEmail, subject, body string) error {
	cfg := s.cfg()
	if cfg.Host == "" {
		return fmt.Errorf("smtp server not configured")
	}

	fromName := cfg.FromName
	if fromName == "" {
		fromName = "Khayal"
	}
	fromAddr := cfg.FromAddr
	if fromAddr == "" {
		fromAddr = cfg.Username
	}

	msg := buildMessage(fromName, fromAddr, toEmail, subject, body)
	return send(cfg, fromAddr, toEmail, msg)
}

func buildMessage(fromName, fromAddr, to, subject, body string) []byte {
	// Sanitize headers to prevent email header injection
	sanitize := func(s string) string {
		s = strings.ReplaceAll(s, "\r", "")
		s = strings.ReplaceAll(s, "\n", "")
		s = strings.ReplaceAll(s, "\x00", "")
		return s
	}
	fromName = sanitize(fromName)
	fromAddr = sanitize(fromAddr)
	to = sanitize(to)
	subject = sanitize(subject)

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("From: %s <%s>\r\n", fromName, fromAddr))
	sb.WriteString(fmt.Sprintf("To: %s\r\n", to))
	sb.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	sb.WriteString("MIME-Version: 1.0\r\n")
	sb.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	sb.WriteString("\r\n")
	sb.WriteString(body)
	return []byte(sb.String())
}

func send(cfg config.SMTPConfig, from, to string, msg []byte) error {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	var conn net.Conn
	var err error

	// Port 465 is implicit TLS (SMTPS); 587/25 start plain and upgrade
	// with STARTTLS.
	if cfg.Port == 465 {
		dialer := &net.Dialer{Timeout: 15 * time.Second}
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: cfg.Host})
		if err != nil {
			return fmt.Errorf("tls dial mail server: %w", err)
		}
	} else {
		conn, err = net.DialTimeout("tcp", addr, 15*time.Second)
		if err != nil {
			return fmt.Errorf("dial mail server: %w", err)
		}
	}
	conn.SetDeadline(time.Now().Add(30 * time.Second))
	defer conn.Close()

	client, err := smtp.NewClient(conn, cfg.Host)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}
	defer client.Close()

	if cfg.Port != 465 {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: cfg.Host}); err != nil {
				return fmt.Errorf("starttls: %w", err)
			}
		}
	}

	var auth smtp.Auth
	method := strings.ToUpper(strings.TrimSpace(cfg.AuthMethod))
	switch method {
	case "LOGIN":
		auth = newLoginAuth(cfg.Username, cfg.Password)
	case "NONE", "NOAUTH":
		auth = nil
	default:
		// PLAIN via the unrestricted implementation so implicit-TLS
		// connections authenticate correctly.
		auth = newUnrestrictedPlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth (%s): %w", method, err)
		}
	}

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("smtp rcpt to: %w", err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp close: %w", err)
	}
	return client.Quit()
}
