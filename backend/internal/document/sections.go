package document

import (
	"strings"
)

// PRD 文档的规范章节顺序。重组文档时先按这个列表输出，
// 列表之外的章节（比如 introduction）按插入顺序追加在后面。
var CanonicalSectionOrder = []string{
	"executive-summary",
	"problem-statement",
	"goals-and-objectives",
	"target-users",
	"user-stories",
	"functional-requirements",
	"non-functional-requirements",
	"technical-specifications",
	"ui-ux-considerations",
	"success-metrics",
	"timeline-and-milestones",
	"risks-and-mitigation",
	"dependencies",
	"appendix",
}

// DefaultSectionKey 第一个标题之前的内容归属的隐式章节
const DefaultSectionKey = "introduction"

// Sections 章节名 -> 章节正文 的有序映射。
// Go 的 map 遍历顺序是随机的，所以用 order 切片显式记录插入顺序，
// 保证同一份内容多次重组的输出完全一致。
type Sections struct {
	order  []string
	bodies map[string]string
}

func NewSections() *Sections {
	return &Sections{bodies: make(map[string]string)}
}

// Get 返回章节正文；不存在时返回空串，方便操作引擎直接在空章节上插入
func (s *Sections) Get(key string) string {
	return s.bodies[key]
}

func (s *Sections) Has(key string) bool {
	_, ok := s.bodies[key]
	return ok
}

// Set 写入章节正文；新章节追加到插入顺序末尾
func (s *Sections) Set(key, body string) {
	if _, ok := s.bodies[key]; !ok {
		s.order = append(s.order, key)
	}
	s.bodies[key] = body
}

// Keys 按插入顺序返回全部章节名
func (s *Sections) Keys() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

func (s *Sections) Len() int { return len(s.order) }

// SectionKey 把标题文本归一化成章节键：小写 + 空白折叠为连字符。
// "Goals and Objectives" -> "goals-and-objectives"
func SectionKey(heading string) string {
	return strings.ToLower(strings.Join(strings.Fields(heading), "-"))
}

// headingTitle 从章节键反推标题文本：每个连字符分词首字母大写。
// 注意这是有损的：原始标题里的大小写/标点无法还原（已知契约，保持不变）。
func headingTitle(key string) string {
	words := strings.Split(key, "-")
	for i, w := range words {
		if w == "" {
			continue
		}
		r := []rune(w)
		r[0] = []rune(strings.ToUpper(string(r[0])))[0]
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}

// isHeadingLine 判断是否为 markdown 标题行（# 开头）
func isHeadingLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	return strings.HasPrefix(trimmed, "#")
}

// headingText 去掉标题行的 # 前缀，返回标题文本
func headingText(line string) string {
	trimmed := strings.TrimSpace(line)
	return strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
}

// ParseSections 把整篇文档按标题行切分成章节映射。
// 标题行本身不进入正文；正文首尾空白会被裁剪。
// 第一个标题之前如果有内容，归入 introduction 章节。
func ParseSections(content string) *Sections {
	sections := NewSections()
	currentKey := DefaultSectionKey
	var buf []string

	flush := func() {
		body := strings.TrimSpace(strings.Join(buf, "\n"))
		// 隐式 introduction 为空时不落章节，避免重组时多出一个空标题
		if currentKey == DefaultSectionKey && body == "" && !sections.Has(currentKey) {
			buf = buf[:0]
			return
		}
		sections.Set(currentKey, body)
		buf = buf[:0]
	}

	for _, line := range strings.Split(content, "\n") {
		if isHeadingLine(line) {
			flush()
			currentKey = SectionKey(headingText(line))
			continue
		}
		buf = append(buf, line)
	}
	flush()
	return sections
}

// Reassemble 把章节映射拼回整篇文档：
// 规范顺序的章节在前，其余章节按插入顺序追加；
// 每个章节前重建 "## 标题" 行，章节之间用空行分隔。
func Reassemble(sections *Sections) string {
	emitted := make(map[string]bool)
	var parts []string

	emit := func(key string) {
		if emitted[key] || !sections.Has(key) {
			return
		}
		emitted[key] = true
		parts = append(parts, "## "+headingTitle(key))
		if body := sections.Get(key); body != "" {
			parts = append(parts, body)
		}
	}

	for _, key := range CanonicalSectionOrder {
		emit(key)
	}
	for _, key := range sections.Keys() {
		emit(key)
	}
	return strings.Join(parts, "\n\n")
}
