package ignore

import (
	"os"
	"path/filepath"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"
)

// FileName 是输出目录下的排除规则文件
const FileName = ".cascignore"

// Matcher 判断 manifest 中的一个路径是否应该在提取时被排除
// 规则使用 gitignore 语法，路径分隔符统一为 '/'
type Matcher struct {
	ignorer *gitignore.GitIgnore
}

// NewMatcher 初始化排除匹配器
// outputDir: 提取目标目录 (用于查找 .cascignore)，可以为空
// patterns: 命令行上额外的排除规则 (--exclude)
func NewMatcher(outputDir string, patterns ...string) (*Matcher, error) {
	// 1. 默认规则: 从不写出 catalog 与规则文件本身
	rules := append([]string{
		FileName,
		".casc",
	}, patterns...)

	// 2. 合并用户的 .cascignore
	if outputDir != "" {
		path := filepath.Join(outputDir, FileName)
		if _, err := os.Stat(path); err == nil {
			ig, err := gitignore.CompileIgnoreFileAndLines(path, rules...)
			if err != nil {
				return nil, err
			}
			return &Matcher{ignorer: ig}, nil
		}
	}
	return &Matcher{ignorer: gitignore.CompileIgnoreLines(rules...)}, nil
}

// Matches 检查路径是否被排除
// name 是 manifest 中的名字，可以使用 '\' 分隔
func (m *Matcher) Matches(name string) bool {
	if m == nil || m.ignorer == nil {
		return false
	}
	return m.ignorer.MatchesPath(ToSlash(name))
}

// ToSlash 把 manifest 路径中的 '\' 换成 '/'
func ToSlash(name string) string {
	return strings.ReplaceAll(name, `\`, "/")
}
