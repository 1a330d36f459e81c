package models

// Organization represents a registered supply-chain participant
type Organization struct {
	ID       string `gorm:"column:org_id;primaryKey;type:varchar(50)"`
	Name     string `gorm:"column:name;type:varchar(255);not null"`
	Role     string `gorm:"column:role;type:varchar(20);index;not null"`
	Location string `gorm:"column:location;type:varchar(255)"`
}
