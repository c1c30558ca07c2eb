package repository

import (
	"github.com/nimasrn/borrow-gateway/internal/model"
)

type UserEntity struct {
	ID        int64  `db:"id"         gorm:"primaryKey;autoIncrement;column:id"`
	Name      string `db:"name"       gorm:"column:name;not null"`
	StudentID string `db:"student_id" gorm:"column:student_id;not null;uniqueIndex"`
	Email     string `db:"email"      gorm:"column:email;not null"`
	Role      string `db:"role"       gorm:"column:role;not null;default:'student'"`
}

func (UserEntity) TableName() string {
	return "users"
}

func toUserModel(e *UserEntity) *model.User {
	if e == nil {
		return nil
	}
	return &model.User{
		ID:        e.ID,
		Name:      e.Name,
		StudentID: e.StudentID,
		Email:     e.Email,
		Role:      e.Role,
	}
}
