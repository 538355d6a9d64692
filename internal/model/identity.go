package model

// Identity 用户身份（只读视图，资料修改由外部接口负责）
type Identity struct {
	ID                string `json:"id" db:"id"`
	Name              string `json:"name" db:"name"`
	PreferredLanguage string `json:"preferredLanguage" db:"preferred_language"`
	Avatar            string `json:"avatar,omitempty" db:"avatar"`
	IsVerified        bool   `json:"-" db:"is_verified"`
}

// Sender 消息中携带的发送者信息
type Sender struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// AsSender 转换为消息发送者信息
func (i Identity) AsSender() Sender {
	return Sender{ID: i.ID, Name: i.Name, Avatar: i.Avatar}
}
