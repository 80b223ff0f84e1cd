// Package config provides configuration management with encrypted API key storage.
// It supports loading, saving, and hot-reloading of system configuration.
package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"khayal/internal/pricing"
)

// encryptionKeyEnvVar is the environment variable name for the AES encryption key.
const encryptionKeyEnvVar = "KHAYAL_ENCRYPTION_KEY"

// encryptedPrefix marks a value as AES-encrypted in the config file.
const encryptedPrefix = "enc:"

// Config holds all system configuration.
type Config struct {
	Server   ServerConfig              `json:"server"`
	Storage  StorageConfig             `json:"storage"`
	Preview  PreviewConfig             `json:"preview"`
	FaceSwap FaceSwapConfig            `json:"faceswap"`
	Convert  ConvertConfig             `json:"convert"`
	SMTP     SMTPConfig                `json:"smtp"`
	Telegram TelegramConfig            `json:"telegram"`
	Admin    AdminConfig               `json:"admin"`
	OAuth    OAuthConfig               `json:"oauth"`
	Pricing  map[string]pricing.CurrencyConfig `json:"pricing"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port           int    `json:"port"`
	AllowedOrigins string `json:"allowed_origins"`
	// PublicBaseURL is the externally visible origin used in links sent
	// by email, e.g. "https://khayalkids.com". Empty falls back to the
	// local listen address.
	PublicBaseURL string `json:"public_base_url"`
	SSLCert       string `json:"ssl_cert"`
	SSLKey        string `json:"ssl_key"`
	// SkipFontCheck disables the fatal startup verification of required
	// fonts. Slide rendering without Times New Roman / Tahoma produces
	// broken output, so the check is on unless explicitly skipped.
	SkipFontCheck bool `json:"skip_font_check"`
}

// StorageConfig holds file storage and database paths.
// All story assets live under BaseDir.
type StorageConfig struct {
	DBPath          string `json:"db_path"`
	BaseDir         string `json:"base_dir"`
	TemplatesDir    string `json:"templates_dir"`
	UploadsDir      string `json:"uploads_dir"`
	PreviewsDir     string `json:"previews_dir"`
	GeneratedDir    string `json:"generated_dir"`
	ExportsDir      string `json:"exports_dir"`
	MaxUploadSizeMB int    `json:"max_upload_size_mb"`
}

// PreviewConfig controls the preview generation pipeline.
type PreviewConfig struct {
	// Pages is the number of leading slides personalized for a preview.
	Pages int `json:"pages"`
	// ExpiryDays is how long a preview stays accessible.
	ExpiryDays int `json:"expiry_days"`
}

// FaceSwapConfig holds the external face-swap API configuration.
type FaceSwapConfig struct {
	Endpoint        string `json:"endpoint"`
	APIKey          string `json:"api_key"`
	PollIntervalSec int    `json:"poll_interval_sec"`
	MaxPolls        int    `json:"max_polls"`
	// Workers bounds concurrent swap requests against the provider.
	Workers int `json:"workers"`
}

// ConvertConfig holds PPTX-to-PDF conversion settings.
type ConvertConfig struct {
	// SofficePath is the LibreOffice binary. Empty means look up
	// "soffice"/"libreoffice" on PATH; conversion falls back to the
	// built-in renderer when neither is found.
	SofficePath string `json:"soffice_path"`
	TimeoutSec  int    `json:"timeout_sec"`
	// RenderWidth is the pixel width used when rendering slides.
	RenderWidth int `json:"render_width"`
}

// SMTPConfig holds SMTP email server configuration.
type SMTPConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	FromAddr string `json:"from_addr"`
	FromName string `json:"from_name"`
	// AuthMethod selects the SMTP AUTH mechanism: "PLAIN" (default),
	// "LOGIN", or "NONE" for unauthenticated relays.
	AuthMethod string `json:"auth_method"`
}

// TelegramConfig holds the operator notification bot settings.
type TelegramConfig struct {
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

// OAuthProviderConfig holds configuration for a single OAuth provider.
type OAuthProviderConfig struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	AuthURL      string   `json:"auth_url"`
	TokenURL     string   `json:"token_url"`
	RedirectURL  string   `json:"redirect_url"`
	Scopes       []string `json:"scopes"`
}

// OAuthConfig holds OAuth configuration for all providers.
type OAuthConfig struct {
	Providers map[string]OAuthProviderConfig `json:"providers"`
}

// AdminConfig holds admin authentication configuration.
type AdminConfig struct {
	Username     string `json:"username"`
	PasswordHash string `json:"password_hash"`
	LoginRoute   string `json:"login_route"`
}

// ConfigManager manages loading, saving, and updating configuration.
type ConfigManager struct {
	configPath    string
	config        *Config
	mu            sync.RWMutex
	encryptionKey []byte // 32-byte AES-256 key
}

// NewConfigManager creates a new ConfigManager for the given config file path.
// The AES encryption key is read from the KHAYAL_ENCRYPTION_KEY environment
// variable, or from ./data/encryption.key, or generated and persisted.
func NewConfigManager(configPath string) (*ConfigManager, error) {
	key, err := getOrCreateEncryptionKey()
	if err != nil {
		return nil, fmt.Errorf("encryption key error: %w", err)
	}
	return &ConfigManager{
		configPath:    configPath,
		encryptionKey: key,
	}, nil
}

// NewConfigManagerWithKey creates a ConfigManager with an explicit encryption key (for testing).
func NewConfigManagerWithKey(configPath string, key []byte) (*ConfigManager, error) {
	if len(key) != 32 {
		return nil, errors.New("encryption key must be 32 bytes for AES-256")
	}
	return &ConfigManager{
		configPath:    configPath,
		encryptionKey: key,
	}, nil
}

// DefaultConfig returns a Config populated with default values.
// The server binds port 8000 to match the deployment contract.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           8000,
			AllowedOrigins: "*",
		},
		Storage: StorageConfig{
			DBPath:          "./data/khayal.db",
			BaseDir:         "stories",
			TemplatesDir:    "stories/templates",
			UploadsDir:      "stories/uploads",
			PreviewsDir:     "stories/previews",
			GeneratedDir:    "stories/generated",
			ExportsDir:      "stories/exports",
			MaxUploadSizeMB: 10,
		},
		Preview: PreviewConfig{
			Pages:      4,
			ExpiryDays: 7,
		},
		FaceSwap: FaceSwapConfig{
			Endpoint:        "https://api-b.fotor.com/v1/aiart",
			PollIntervalSec: 5,
			MaxPolls:        30,
			Workers:         4,
		},
		Convert: ConvertConfig{
			TimeoutSec:  120,
			RenderWidth: 1280,
		},
		SMTP: SMTPConfig{
			Port: 587,
		},
		OAuth: OAuthConfig{
			Providers: make(map[string]OAuthProviderConfig),
		},
		Admin: AdminConfig{
			LoginRoute: "/admin",
		},
		Pricing: map[string]pricing.CurrencyConfig{
			"SAR": {Rate: 1, Adjustment: 0},
		},
	}
}

// Load reads the config file from disk and decrypts API keys.
// If the file does not exist, it initializes with default values and saves.
func (cm *ConfigManager) Load() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	data, err := os.ReadFile(cm.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cm.config = DefaultConfig()
			return cm.saveLocked()
		}
		return fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	// Decrypt secrets
	if cfg.FaceSwap.APIKey, err = cm.decryptIfNeeded(cfg.FaceSwap.APIKey); err != nil {
		return fmt.Errorf("decrypt face-swap API key: %w", err)
	}
	if cfg.SMTP.Password, err = cm.decryptIfNeeded(cfg.SMTP.Password); err != nil {
		return fmt.Errorf("decrypt SMTP password: %w", err)
	}
	if cfg.Telegram.BotToken, err = cm.decryptIfNeeded(cfg.Telegram.BotToken); err != nil {
		return fmt.Errorf("decrypt Telegram bot token: %w", err)
	}
	for name, provider := range cfg.OAuth.Providers {
		if provider.ClientSecret, err = cm.decryptIfNeeded(provider.ClientSecret); err != nil {
			return fmt.Errorf("decrypt OAuth %s client secret: %w", name, err)
		}
		cfg.OAuth.Providers[name] = provider
	}

	cm.applyDefaults(&cfg)
	cm.config = &cfg
	return nil
}

// Save writes the current config to disk with secrets encrypted.
func (cm *ConfigManager) Save() error {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.saveLocked()
}

// saveLocked writes config to disk. Caller must hold at least a read lock.
func (cm *ConfigManager) saveLocked() error {
	if cm.config == nil {
		return errors.New("no config loaded")
	}

	// Create a copy for serialization with encrypted secrets
	out := *cm.config
	out.FaceSwap.APIKey = cm.encryptIfNeeded(cm.config.FaceSwap.APIKey)
	out.SMTP.Password = cm.encryptIfNeeded(cm.config.SMTP.Password)
	out.Telegram.BotToken = cm.encryptIfNeeded(cm.config.Telegram.BotToken)

	if cm.config.OAuth.Providers != nil {
		out.OAuth.Providers = make(map[string]OAuthProviderConfig, len(cm.config.OAuth.Providers))
		for name, provider := range cm.config.OAuth.Providers {
			p := provider
			p.ClientSecret = cm.encryptIfNeeded(provider.ClientSecret)
			out.OAuth.Providers[name] = p
		}
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(cm.configPath, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Get returns a copy of the current configuration.
func (cm *ConfigManager) Get() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	if cm.config == nil {
		return nil
	}
	c := *cm.config
	// Deep copy maps so callers cannot mutate shared state
	if cm.config.OAuth.Providers != nil {
		c.OAuth.Providers = make(map[string]OAuthProviderConfig, len(cm.config.OAuth.Providers))
		for k, v := range cm.config.OAuth.Providers {
			p := v
			if v.Scopes != nil {
				p.Scopes = make([]string, len(v.Scopes))
				copy(p.Scopes, v.Scopes)
			}
			c.OAuth.Providers[k] = p
		}
	}
	if cm.config.Pricing != nil {
		c.Pricing = make(map[string]pricing.CurrencyConfig, len(cm.config.Pricing))
		for k, v := range cm.config.Pricing {
			c.Pricing[k] = v
		}
	}
	return &c
}

// Update applies partial updates to the configuration and saves to disk.
// Keys use dotted paths, e.g. "faceswap.api_key", "smtp.host", "server.port",
// "admin.password", "pricing.USD.rate", "oauth.providers.google.client_id".
func (cm *ConfigManager) Update(updates map[string]interface{}) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.config == nil {
		cm.config = DefaultConfig()
	}

	for key, val := range updates {
		if err := cm.applyUpdate(key, val); err != nil {
			return fmt.Errorf("update key %q: %w", key, err)
		}
	}

	return cm.saveLocked()
}

func (cm *ConfigManager) applyUpdate(key string, val interface{}) error {
	switch key {
	// Server fields
	case "server.port":
		n, err := toInt(val)
		if err != nil {
			return err
		}
		if n < 1 || n > 65535 {
			return errors.New("port must be between 1 and 65535")
		}
		cm.config.Server.Port = n
	case "server.allowed_origins":
		s, ok := val.(string)
		if !ok {
			return errors.New("expected string")
		}
		cm.config.Server.AllowedOrigins = s
	case "server.public_base_url":
		s, ok := val.(string)
		if !ok {
			return errors.New("expected string")
		}
		cm.config.Server.PublicBaseURL = s
	case "server.skip_font_check":
		b, ok := val.(bool)
		if !ok {
			return errors.New("expected boolean")
		}
		cm.config.Server.SkipFontCheck = b

	// Storage fields
	case "storage.db_path", "storage.base_dir", "storage.templates_dir",
		"storage.uploads_dir", "storage.previews_dir", "storage.generated_dir":
		s, ok := val.(string)
		if !ok {
			return errors.New("expected string")
		}
		if s == "" {
			return errors.New("path must not be empty")
		}
		switch key {
		case "storage.db_path":
			cm.config.Storage.DBPath = s
		case "storage.base_dir":
			cm.config.Storage.BaseDir = s
		case "storage.templates_dir":
			cm.config.Storage.TemplatesDir = s
		case "storage.uploads_dir":
			cm.config.Storage.UploadsDir = s
		case "storage.previews_dir":
			cm.config.Storage.PreviewsDir = s
		case "storage.generated_dir":
			cm.config.Storage.GeneratedDir = s
		}
	case "storage.max_upload_size_mb":
		n, err := toInt(val)
		if err != nil {
			return err
		}
		if n < 1 {
			return errors.New("max upload size must be positive")
		}
		cm.config.Storage.MaxUploadSizeMB = n

	// Preview fields
	case "preview.pages":
		n, err := toInt(val)
		if err != nil {
			return err
		}
		if n < 1 {
			return errors.New("preview pages must be positive")
		}
		cm.config.Preview.Pages = n
	case "preview.expiry_days":
		n, err := toInt(val)
		if err != nil {
			return err
		}
		if n < 1 {
			return errors.New("expiry days must be positive")
		}
		cm.config.Preview.ExpiryDays = n

	// Face-swap fields
	case "faceswap.endpoint":
		s, ok := val.(string)
		if !ok {
			return errors.New("expected string")
		}
		cm.config.FaceSwap.Endpoint = s
	case "faceswap.api_key":
		s, ok := val.(string)
		if !ok {
			return errors.New("expected string")
		}
		cm.config.FaceSwap.APIKey = s
	case "faceswap.poll_interval_sec":
		n, err := toInt(val)
		if err != nil {
			return err
		}
		cm.config.FaceSwap.PollIntervalSec = n
	case "faceswap.max_polls":
		n, err := toInt(val)
		if err != nil {
			return err
		}
		cm.config.FaceSwap.MaxPolls = n
	case "faceswap.workers":
		n, err := toInt(val)
		if err != nil {
			return err
		}
		cm.config.FaceSwap.Workers = n

	// Convert fields
	case "convert.soffice_path":
		s, ok := val.(string)
		if !ok {
			return errors.New("expected string")
		}
		cm.config.Convert.SofficePath = s
	case "convert.timeout_sec":
		n, err := toInt(val)
		if err != nil {
			return err
		}
		cm.config.Convert.TimeoutSec = n
	case "convert.render_width":
		n, err := toInt(val)
		if err != nil {
			return err
		}
		cm.config.Convert.RenderWidth = n

	// Admin fields
	case "admin.username":
		s, ok := val.(string)
		if !ok {
			return errors.New("expected string")
		}
		cm.config.Admin.Username = s
	case "admin.login_route":
		s, ok := val.(string)
		if !ok {
			return errors.New("expected string")
		}
		if s == "" || s[0] != '/' {
			return errors.New("login_route must start with /")
		}
		cm.config.Admin.LoginRoute = s
	case "admin.password_hash":
		s, ok := val.(string)
		if !ok {
			return errors.New("expected string")
		}
		cm.config.Admin.PasswordHash = s
	case "admin.password":
		s, ok := val.(string)
		if !ok {
			return errors.New("expected string")
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(s), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hash password: %w", err)
		}
		cm.config.Admin.PasswordHash = string(hash)

	// SMTP fields
	case "smtp.host":
		s, ok := val.(string)
		if !ok {
			return errors.New("expected string")
		}
		cm.config.SMTP.Host = s
	case "smtp.port":
		n, err := toInt(val)
		if err != nil {
			return err
		}
		cm.config.SMTP.Port = n
	case "smtp.username":
		s, ok := val.(string)
		if !ok {
			return errors.New("expected string")
		}
		cm.config.SMTP.Username = s
	case "smtp.password":
		s, ok := val.(string)
		if !ok {
			return errors.New("expected string")
		}
		cm.config.SMTP.Password = s
	case "smtp.from_addr":
		s, ok := val.(string)
		if !ok {
			return errors.New("expected string")
		}
		cm.config.SMTP.FromAddr = s
	case "smtp.from_name":
		s, ok := val.(string)
		if !ok {
			return errors.New("expected string")
		}
		cm.config.SMTP.FromName = s
	case "smtp.auth_method":
		s, ok := val.(string)
		if !ok {
			return errors.New("expected string")
		}
		cm.config.SMTP.AuthMethod = s

	// Telegram fields
	case "telegram.bot_token":
		s, ok := val.(string)
		if !ok {
			return errors.New("expected string")
		}
		cm.config.Telegram.BotToken = s
	case "telegram.chat_id":
		s, ok := val.(string)
		if !ok {
			return errors.New("expected string")
		}
		cm.config.Telegram.ChatID = s

	default:
		if strings.HasPrefix(key, "oauth.providers.") {
			return cm.applyOAuthUpdate(key, val)
		}
		if strings.HasPrefix(key, "pricing.") {
			return cm.applyPricingUpdate(key, val)
		}
		return fmt.Errorf("unknown config key: %s", key)
	}
	return nil
}

// applyOAuthUpdate handles OAuth provider config keys like "oauth.providers.google.client_id".
func (cm *ConfigManager) applyOAuthUpdate(key string, val interface{}) error {
	parts := strings.SplitN(key, ".", 4)
	if len(parts) != 4 {
		return fmt.Errorf("invalid OAuth config key: %s", key)
	}
	providerName := parts[2]
	field := parts[3]

	if cm.config.OAuth.Providers == nil {
		cm.config.OAuth.Providers = make(map[string]OAuthProviderConfig)
	}
	p := cm.config.OAuth.Providers[providerName]

	s, ok := val.(string)
	if !ok {
		if field == "scopes" {
			if arr, ok := val.([]interface{}); ok {
				scopes := make([]string, 0, len(arr))
				for _, v := range arr {
					if sv, ok := v.(string); ok {
						scopes = append(scopes, sv)
					}
				}
				p.Scopes = scopes
				cm.config.OAuth.Providers[providerName] = p
				return nil
			}
		}
		return errors.New("expected string")
	}

	switch field {
	case "client_id":
		p.ClientID = s
	case "client_secret":
		p.ClientSecret = s
	case "auth_url":
		p.AuthURL = s
	case "token_url":
		p.TokenURL = s
	case "redirect_url":
		p.RedirectURL = s
	case "scopes":
		p.Scopes = strings.Split(s, ",")
	default:
		return fmt.Errorf("unknown OAuth provider field: %s", field)
	}

	cm.config.OAuth.Providers[providerName] = p
	return nil
}

// applyPricingUpdate handles keys like "pricing.USD.rate" / "pricing.USD.adjustment".
func (cm *ConfigManager) applyPricingUpdate(key string, val interface{}) error {
	parts := strings.SplitN(key, ".", 3)
	if len(parts) != 3 {
		return fmt.Errorf("invalid pricing config key: %s", key)
	}
	currency := strings.ToUpper(parts[1])
	field := parts[2]

	f, err := toFloat64(val)
	if err != nil {
		return err
	}

	if cm.config.Pricing == nil {
		cm.config.Pricing = make(map[string]pricing.CurrencyConfig)
	}
	c := cm.config.Pricing[currency]
	switch field {
	case "rate":
		c.Rate = f
	case "adjustment":
		c.Adjustment = f
	default:
		return fmt.Errorf("unknown pricing field: %s", field)
	}
	cm.config.Pricing[currency] = c
	return nil
}

// applyDefaults fills in zero-value fields with defaults.
func (cm *ConfigManager) applyDefaults(cfg *Config) {
	defaults := DefaultConfig()
	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if cfg.Server.AllowedOrigins == "" {
		cfg.Server.AllowedOrigins = defaults.Server.AllowedOrigins
	}
	if cfg.Storage.DBPath == "" {
		cfg.Storage.DBPath = defaults.Storage.DBPath
	}
	if cfg.Storage.BaseDir == "" {
		cfg.Storage.BaseDir = defaults.Storage.BaseDir
	}
	if cfg.Storage.TemplatesDir == "" {
		cfg.Storage.TemplatesDir = defaults.Storage.TemplatesDir
	}
	if cfg.Storage.UploadsDir == "" {
		cfg.Storage.UploadsDir = defaults.Storage.UploadsDir
	}
	if cfg.Storage.PreviewsDir == "" {
		cfg.Storage.PreviewsDir = defaults.Storage.PreviewsDir
	}
	if cfg.Storage.GeneratedDir == "" {
		cfg.Storage.GeneratedDir = defaults.Storage.GeneratedDir
	}
	if cfg.Storage.ExportsDir == "" {
		cfg.Storage.ExportsDir = defaults.Storage.ExportsDir
	}
	if cfg.Storage.MaxUploadSizeMB == 0 {
		cfg.Storage.MaxUploadSizeMB = defaults.Storage.MaxUploadSizeMB
	}
	if cfg.Preview.Pages == 0 {
		cfg.Preview.Pages = defaults.Preview.Pages
	}
	if cfg.Preview.ExpiryDays == 0 {
		cfg.Preview.ExpiryDays = defaults.Preview.ExpiryDays
	}
	if cfg.FaceSwap.Endpoint == "" {
		cfg.FaceSwap.Endpoint = defaults.FaceSwap.Endpoint
	}
	if cfg.FaceSwap.PollIntervalSec == 0 {
		cfg.FaceSwap.PollIntervalSec = defaults.FaceSwap.PollIntervalSec
	}
	if cfg.FaceSwap.MaxPolls == 0 {
		cfg.FaceSwap.MaxPolls = defaults.FaceSwap.MaxPolls
	}
	if cfg.FaceSwap.Workers == 0 {
		cfg.FaceSwap.Workers = defaults.FaceSwap.Workers
	}
	if cfg.Convert.TimeoutSec == 0 {
		cfg.Convert.TimeoutSec = defaults.Convert.TimeoutSec
	}
	if cfg.Convert.RenderWidth == 0 {
		cfg.Convert.RenderWidth = defaults.Convert.RenderWidth
	}
	if cfg.OAuth.Providers == nil {
		cfg.OAuth.Providers = make(map[string]OAuthProviderConfig)
	}
	if cfg.Admin.LoginRoute == "" {
		cfg.Admin.LoginRoute = defaults.Admin.LoginRoute
	}
	if cfg.SMTP.Port == 0 {
		cfg.SMTP.Port = defaults.SMTP.Port
	}
	if cfg.Pricing == nil {
		cfg.Pricing = defaults.Pricing
	}
	if _, ok := cfg.Pricing["SAR"]; !ok {
		cfg.Pricing["SAR"] = defaults.Pricing["SAR"]
	}
}

// --- AES-GCM encryption helpers ---

// encrypt encrypts plaintext using AES-256-GCM.
func (cm *ConfigManager) encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	block, err := aes.NewCipher(cm.encryptionKey)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(ciphertext), nil
}

// decrypt decrypts AES-256-GCM encrypted hex string.
func (cm *ConfigManager) decrypt(ciphertextHex string) (string, error) {
	if ciphertextHex == "" {
		return "", nil
	}
	ciphertext, err := hex.DecodeString(ciphertextHex)
	if err != nil {
		return "", fmt.Errorf("hex decode: %w", err)
	}
	block, err := aes.NewCipher(cm.encryptionKey)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", errors.New("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// encryptIfNeeded encrypts a value and adds the "enc:" prefix.
// Empty strings are returned as-is.
func (cm *ConfigManager) encryptIfNeeded(value string) string {
	if value == "" {
		return ""
	}
	encrypted, err := cm.encrypt(value)
	if err != nil {
		// Fallback: return as-is (should not happen with valid key)
		return value
	}
	return encryptedPrefix + encrypted
}

// decryptIfNeeded decrypts a value if it has the "enc:" prefix.
func (cm *ConfigManager) decryptIfNeeded(value string) (string, error) {
	if value == "" {
		return "", nil
	}
	if len(value) > len(encryptedPrefix) && value[:len(encryptedPrefix)] == encryptedPrefix {
		return cm.decrypt(value[len(encryptedPrefix):])
	}
	// Not encrypted (e.g., manually edited config) — return as-is
	return value, nil
}

// --- Encryption key management ---

func getOrCreateEncryptionKey() ([]byte, error) {
	// 1. Check environment variable first
	keyHex := os.Getenv(encryptionKeyEnvVar)
	if keyHex != "" {
		key, err := hex.DecodeString(keyHex)
		if err != nil {
			return nil, fmt.Errorf("invalid encryption key hex: %w", err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
		}
		return key, nil
	}

	// 2. Try to read from persistent key file
	keyFile := "./data/encryption.key"
	if data, err := os.ReadFile(keyFile); err == nil {
		keyHex = strings.TrimSpace(string(data))
		if key, err := hex.DecodeString(keyHex); err == nil && len(key) == 32 {
			return key, nil
		}
	}

	// 3. Generate a new random key and persist it
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate encryption key: %w", err)
	}
	keyHex = hex.EncodeToString(key)
	os.MkdirAll("./data", 0755)
	if err := os.WriteFile(keyFile, []byte(keyHex+"\n"), 0600); err != nil {
		return nil, fmt.Errorf("save encryption key: %w", err)
	}
	return key, nil
}

// --- Type conversion helpers ---

func toFloat64(val interface{}) (float64, error) {
	switch v := val.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	default:
		return 0, fmt.Errorf("expected numeric value, got %T", val)
	}
}

func toInt(val interface{}) (int, error) {
	switch v := val.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	case float32:
		return int(v), nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, err
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("expected numeric value, got %T", val)
	}
}
