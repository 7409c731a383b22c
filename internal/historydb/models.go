package historydb

type Message struct {
	MessageID string `gorm:"column:message_id;primaryKey"`
	UserID    string `gorm:"column:user_id;not null;default:''"`
	SessionID string `gorm:"column:session_id;not null;default:''"`
	TaskID    string `gorm:"column:task_id;not null;default:''"`
	Role      string `gorm:"column:role;not null;default:''"`
	Content   string `gorm:"column:content;not null;default:''"`
	CreatedAt int64  `gorm:"column:created_at;not null;default:0"`
}

func (Message) TableName() string { return "messages" }

type TaskRun struct {
	RunID       string `gorm:"column:run_id;primaryKey"`
	UserID      string `gorm:"column:user_id;not null;default:''"`
	Command     string `gorm:"column:command;not null;default:''"`
	RunStatus   string `gorm:"column:run_status;not null;default:'running'"`
	Success     bool   `gorm:"column:success;not null;default:false"`
	LastError   string `gorm:"column:last_error;not null;default:''"`
	StartedAt   int64  `gorm:"column:started_at;not null;default:0"`
	CompletedAt int64  `gorm:"column:completed_at;not null;default:0"`
}

func (TaskRun) TableName() string { return "task_runs" }
