// Package migrations 内嵌任务存储的建表脚本，按驱动分目录存放。
package migrations

import (
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

// Files 暴露所有 SQL 迁移文件。
//
//go:embed mysql/*.sql sqlite/*.sql
var Files embed.FS

// Statements 按文件名顺序返回指定驱动的全部 SQL 语句。
// 语句以分号结尾，脚本中不使用包含分号的字面量。
func Statements(driver string) ([]string, error) {
	dir := strings.ToLower(strings.TrimSpace(driver))
	entries, err := fs.ReadDir(Files, dir)
	if err != nil {
		return nil, fmt.Errorf("驱动 %q 没有迁移脚本: %w", driver, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var statements []string
	for _, name := range names {
		content, err := fs.ReadFile(Files, dir+"/"+name)
		if err != nil {
			return nil, err
		}
		for _, stmt := range strings.Split(string(content), ";") {
			if stmt = strings.TrimSpace(stmt); stmt != "" {
				statements = append(statements, stmt)
			}
		}
	}
	return statements, nil
}
