package stream

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// FlushThreshold 缓冲达到该字符数即刷出
	FlushThreshold = 3
	// FlushInterval 距上次刷出超过该间隔即刷出
	FlushInterval = 30 * time.Millisecond
)

// Event 归一化后的增量事件，content 与 thinking 独立刷出
type Event struct {
	Content  string
	Thinking string
	Done     bool
}

// sseDelta SSE data 帧的 JSON 负载
type sseDelta struct {
	Content  string `json:"content"`
	Thinking string `json:"thinking"`
}

// Transcoder 把上游的多种行格式流（SSE data 帧、0:/g:/f: 紧凑行）
// 转换为归一化的增量事件序列。单请求单线程使用，不做并发保护。
//
// 标题拼接：上游常把 Markdown 标题拆成 "## " 和 "Title\n" 两个片段发出，
// 遇到"只有标题标记"或"未以换行结束的标题行"的片段先挂起，
// 与下一个片段拼接后再进入缓冲，保证标题作为整体刷出。
type Transcoder struct {
	thinking bool

	raw           []byte
	content       string
	thinkingBuf   string
	awaitingTitle bool
	pendingTitle  string
	lastFlush     time.Time
	received      bool

	now func() time.Time
}

// NewTranscoder 创建转换器，thinkingEnabled 控制是否透传思考通道
func NewTranscoder(thinkingEnabled bool) *Transcoder {
	t := &Transcoder{
		thinking: thinkingEnabled,
		now:      time.Now,
	}
	t.lastFlush = t.now()
	return t
}

// Received 是否已收到任何字节
func (t *Transcoder) Received() bool {
	return t.received
}

// Feed 喂入一段上游字节，返回本次产生的事件
func (t *Transcoder) Feed(chunk []byte) []Event {
	if len(chunk) == 0 {
		return nil
	}
	t.received = true
	t.raw = append(t.raw, chunk...)

	var events []Event
	for {
		idx := bytes.IndexByte(t.raw, '\n')
		if idx < 0 {
			break
		}
		line := t.raw[:idx]
		t.raw = t.raw[idx+1:]
		if !utf8.Valid(line) {
			continue
		}
		events = append(events, t.processLine(strings.TrimSpace(string(line)))...)
	}
	return events
}

// Finish 流结束：挂起的标题与缓冲全部刷出，并追加终止事件
func (t *Transcoder) Finish() []Event {
	var events []Event

	if t.awaitingTitle && strings.TrimSpace(t.pendingTitle) != "" {
		pending := t.pendingTitle
		if !strings.HasSuffix(pending, "\n") {
			pending += "\n\n"
		}
		t.content += pending
		t.awaitingTitle = false
		t.pendingTitle = ""
	}

	if t.content != "" {
		if formatted := FormatMarkdownTitles(t.content); strings.TrimSpace(formatted) != "" {
			events = append(events, Event{Content: formatted})
		}
		t.content = ""
	}
	if t.thinkingBuf != "" {
		if formatted := FormatMarkdownTitles(t.thinkingBuf); strings.TrimSpace(formatted) != "" {
			events = append(events, Event{Thinking: formatted})
		}
		t.thinkingBuf = ""
	}

	return append(events, Event{Done: true})
}

func (t *Transcoder) processLine(line string) []Event {
	switch {
	case line == "":
		return nil

	case strings.HasPrefix(line, "data:"):
		data := strings.TrimSpace(line[5:])
		if data == "" || data == "[DONE]" {
			return nil
		}
		var delta sseDelta
		if err := json.Unmarshal([]byte(data), &delta); err != nil {
			// 非 JSON 负载：还原转义换行后直接透传
			content := FormatMarkdownTitles(strings.ReplaceAll(data, `\n`, "\n"))
			return []Event{{Content: content}}
		}
		var events []Event
		if delta.Content != "" {
			events = append(events, t.addContent(delta.Content)...)
		}
		if delta.Thinking != "" && t.thinking {
			t.thinkingBuf += delta.Thinking
			events = append(events, t.maybeFlushThinking()...)
		}
		return events

	case strings.HasPrefix(line, "0:"):
		return t.addContent(unquote(line[2:]))

	case strings.HasPrefix(line, "g:"):
		if !t.thinking {
			return nil
		}
		t.thinkingBuf += unquote(line[2:]) + "\n"
		return t.maybeFlushThinking()
	}
	// f:/e:/d: 等元数据行忽略
	return nil
}

// addContent 把一段正文片段送入缓冲，途经标题拼接状态机
func (t *Transcoder) addContent(content string) []Event {
	if content == "" {
		return nil
	}
	trimmed := strings.TrimSpace(content)

	if !t.awaitingTitle && strings.HasPrefix(trimmed, "#") {
		markerOnly := reHeadingOnly.MatchString(trimmed)
		partialTitle := reHeadingLine.MatchString(trimmed) && !strings.HasSuffix(content, "\n")
		if markerOnly || partialTitle {
			t.pendingTitle = content
			t.awaitingTitle = true
			return nil
		}
		t.content += content
		return t.maybeFlushContent()
	}

	if t.awaitingTitle {
		if strings.HasPrefix(trimmed, "#") {
			// 连续两个标题标记：先把前一个落入缓冲
			if strings.TrimSpace(t.pendingTitle) != "" {
				pending := t.pendingTitle
				if !strings.HasSuffix(pending, "\n") {
					pending += "\n\n"
				}
				t.content += pending
			}
			t.pendingTitle = content
			return nil
		}
		full := strings.TrimRight(t.pendingTitle, " \t\n") + content
		if !strings.HasSuffix(full, "\n") {
			full += "\n\n"
		} else if !strings.HasSuffix(full, "\n\n") {
			full += "\n"
		}
		t.content += full
		t.pendingTitle = ""
		t.awaitingTitle = false
		return t.maybeFlushContent()
	}

	t.content += content
	return t.maybeFlushContent()
}

func (t *Transcoder) shouldFlush(buf string) bool {
	if buf == "" {
		return false
	}
	return utf8.RuneCountInString(buf) >= FlushThreshold ||
		t.now().Sub(t.lastFlush) >= FlushInterval
}

func (t *Transcoder) maybeFlushContent() []Event {
	if !t.shouldFlush(t.content) {
		return nil
	}
	formatted := FormatMarkdownTitles(t.content)
	t.content = ""
	t.lastFlush = t.now()
	return []Event{{Content: formatted}}
}

func (t *Transcoder) maybeFlushThinking() []Event {
	if !t.shouldFlush(t.thinkingBuf) {
		return nil
	}
	formatted := FormatMarkdownTitles(t.thinkingBuf)
	t.thinkingBuf = ""
	t.lastFlush = t.now()
	return []Event{{Thinking: formatted}}
}

// unquote 还原紧凑行格式中被引号包裹、带转义的内容；
// JSON 解码失败时退化为把 \n 字面量换成换行。
func unquote(payload string) string {
	s := strings.TrimSpace(payload)
	if strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`) && len(s) >= 2 {
		s = s[1 : len(s)-1]
	}
	var decoded string
	if err := json.Unmarshal([]byte(`"`+s+`"`), &decoded); err == nil {
		return decoded
	}
	return strings.ReplaceAll(s, `\n`, "\n")
}
