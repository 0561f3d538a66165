package orm

import "gorm.io/gorm"

// ApplyCursor 基于自增 id 的游标分页：desc 取 id < afterID，asc 取 id > afterID
// afterID <= 0 时不加条件
func ApplyCursor(db *gorm.DB, column string, afterID int64, order string, limit int) *gorm.DB {
	if order == "asc" {
		if afterID > 0 {
			db = db.Where(column+" > ?", afterID)
		}
		db = db.Order(column + " asc")
	} else {
		if afterID > 0 {
			db = db.Where(column+" < ?", afterID)
		}
		db = db.Order(column + " desc")
	}
	if limit > 0 {
		db = db.Limit(limit)
	}
	return db
}
