package logger

import (
	"io"
	"log"
	"strings"
	"sync"

	"arena/internal/pkg/jsonutil"
)

var (
	llmMu  sync.Mutex
	llmLog *log.Logger
)

// SetLLMWriter 设置模型对话转储目标；nil 关闭转储。
func SetLLMWriter(w io.Writer) {
	llmMu.Lock()
	defer llmMu.Unlock()
	if w == nil {
		llmLog = nil
		return
	}
	llmLog = log.New(w, "", log.LstdFlags)
}

// LogLLMExchange 以分段形式记录一次模型调用（prompt 与原始回复）。
func LogLLMExchange(purpose, profileID, system, user, raw string) {
	llmMu.Lock()
	l := llmLog
	llmMu.Unlock()
	if l == nil {
		return
	}
	var b strings.Builder
	b.WriteString("[LLM][")
	b.WriteString(purpose)
	b.WriteString("][")
	b.WriteString(profileID)
	b.WriteString("]\n")
	writeSection(&b, "SYSTEM", system)
	writeSection(&b, "USER", user)
	writeSection(&b, "RAW", jsonutil.Pretty(raw))
	b.WriteString("=====\n")
	l.Print(b.String())
}

func writeSection(b *strings.Builder, title, body string) {
	if strings.TrimSpace(body) == "" {
		return
	}
	b.WriteString("--- ")
	b.WriteString(title)
	b.WriteString(" ---\n")
	b.WriteString(body)
	if !strings.HasSuffix(body, "\n") {
		b.WriteString("\n")
	}
}
