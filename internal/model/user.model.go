package model

// User is the identity-provider view consumed here: just enough to snapshot
// onto borrowing records. Authentication happens in front of this service.
type User struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	StudentID string `json:"student_id"`
	Email     string `json:"email"`
	Role      string `json:"role"`
}

func (User) TableName() string { return "users" }
