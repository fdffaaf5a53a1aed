package mysql

import (
	stdErrors "errors"
	"strings"

	driver "github.com/go-sql-driver/mysql"
)

const errDuplicateEntry = 1062

// DuplicateKey 判断 err 是否为唯一键冲突，并返回冲突的索引名（不含表名前缀）。
// 无法从消息中解析出索引名时返回空字符串。
func DuplicateKey(err error) (string, bool) {
	var mysqlErr *driver.MySQLError
	if !stdErrors.As(err, &mysqlErr) || mysqlErr.Number != errDuplicateEntry {
		return "", false
	}
	const marker = "for key '"
	idx := strings.LastIndex(mysqlErr.Message, marker)
	if idx < 0 {
		return "", true
	}
	key := strings.TrimSuffix(mysqlErr.Message[idx+len(marker):], "'")
	if dot := strings.LastIndex(key, "."); dot >= 0 {
		key = key[dot+1:]
	}
	return key, true
}
