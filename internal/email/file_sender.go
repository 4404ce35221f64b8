package email

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileSender appends emails to a local file. Used in integration tests
// and local runs where inspecting delivered mail matters.
type FileSender struct {
	filePath string
}

// NewFileSender creates a FileSender, ensuring the target directory exists.
func NewFileSender(filePath string) (Sender, error) {
	if strings.TrimSpace(filePath) == "" {
		return nil, fmt.Errorf("email log file path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for email log %q: %w", filePath, err)
	}
	return &FileSender{filePath: filePath}, nil
}

// Send appends the raw message to the file with a timestamped header.
func (s *FileSender) Send(ctx context.Context, to []string, subject string, rawMessage []byte) error {
	file, err := os.OpenFile(s.filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open email log file: %w", err)
	}
	defer file.Close()

	entry := fmt.Sprintf("--- Email at %s (To: %v, Subject: %s) ---\n%s\n--- End email ---\n\n",
		time.Now().Format(time.RFC3339), to, subject, rawMessage)
	if _, err := file.WriteString(entry); err != nil {
		return fmt.Errorf("failed to write email log entry: %w", err)
	}
	return nil
}
