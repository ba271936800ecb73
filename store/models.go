package store

import (
	"time"

	"github.com/uptrace/bun"
)

type userModel struct {
	bun.BaseModel `bun:"table:users,alias:u"`

	EntityID string `bun:"entity_id,pk,type:varchar(36)"`
	UID      string `bun:"uid,notnull,unique"`
	Name     string `bun:"name,notnull"`
	Email    string `bun:"email,notnull"`
	Type     string `bun:"type,notnull"`
}

type groupModel struct {
	bun.BaseModel `bun:"table:groups,alias:g"`

	EntityID string `bun:"entity_id,pk,type:varchar(36)"`
	Name     string `bun:"name,notnull,unique"`
}

// groupMemberModel is an edge: member (user or group) belongs to group.
type groupMemberModel struct {
	bun.BaseModel `bun:"table:group_member,alias:gm"`

	GroupID  string    `bun:"group_id,pk,type:varchar(36)"`
	MemberID string    `bun:"member_id,pk,type:varchar(36)"`
	AddDate  time.Time `bun:"add_date,notnull,default:current_timestamp"`
	AddedBy  *string   `bun:"added_by,type:varchar(36)"`
}

type publicKeyModel struct {
	bun.BaseModel `bun:"table:public_key,alias:pk"`

	ID       string `bun:"id,pk,type:varchar(36)"`
	EntityID string `bun:"entity_id,notnull,type:varchar(36)"`
	KeyType  string `bun:"key_type,notnull"`
	KeyData  string `bun:"key_data,notnull"`
	Comment  string `bun:"comment"`
}
