package stream

import (
	"regexp"
	"strings"
)

var (
	reHeadingNoSpace = regexp.MustCompile(`(^|\n)(#+)([^#\s])`)
	reHeadingOnly    = regexp.MustCompile(`^#+\s*$`)
	reHeadingLine    = regexp.MustCompile(`^#+\s+[^\n]+$`)
	reBlankBefore    = regexp.MustCompile(`([^\n])\n(#+ )`)
	reBlankAfter     = regexp.MustCompile(`(#+ [^\n]*)\n([^\n])`)
	reTrailHeading   = regexp.MustCompile(`(^|\n)#+ [^\n]*\n$`)
	reManyNewlines   = regexp.MustCompile(`\n{3,}`)
)

// FormatMarkdownTitles 规整 Markdown 标题：# 号后补空格，
// 标题行前后保证空行，连续三个以上换行压成两个。
// 只含标题标记的片段原样返回，留给标题拼接逻辑处理。
func FormatMarkdownTitles(content string) string {
	if strings.TrimSpace(content) == "" {
		return content
	}
	if reHeadingOnly.MatchString(strings.TrimSpace(content)) {
		return content
	}

	processed := reHeadingNoSpace.ReplaceAllString(content, "$1$2 $3")

	completeTitle := reHeadingLine.MatchString(strings.TrimSpace(processed))
	if !strings.Contains(processed, "\n") && !completeTitle {
		return processed
	}

	if completeTitle && !strings.HasSuffix(processed, "\n") {
		return processed + "\n\n"
	}

	processed = reBlankBefore.ReplaceAllString(processed, "$1\n\n$2")
	processed = reBlankAfter.ReplaceAllString(processed, "$1\n\n$2")
	if reTrailHeading.MatchString(processed) {
		processed += "\n"
	}
	return reManyNewlines.ReplaceAllString(processed, "\n\n")
}
