package reconcile

import "time"

// Task models a scheduled task, either owned by a line item or created manually.
type Task struct {
	ID          string     `json:"id"`
	QuoteID     string     `json:"quoteId,omitempty"`
	LineItemID  string     `json:"lineItemId,omitempty"`
	Title       string     `json:"title"`
	Status      string     `json:"status,omitempty"`
	Order       int        `json:"order"`
	DueAt       *time.Time `json:"dueAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	NoteCount   *int       `json:"noteCount,omitempty"`
	Version     int64      `json:"version"`
}

// LineItem is an ordered entry of a quote that may own one scheduled task.
type LineItem struct {
	ID             string `json:"id"`
	QuoteID        string `json:"quoteId"`
	Description    string `json:"description"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unitPriceCents"`
	Position       int    `json:"position"`
	Task           *Task  `json:"task,omitempty"`
	Version        int64  `json:"version"`
}

// Quote is the top-level aggregate of the scheduling view.
type Quote struct {
	ID        string     `json:"id"`
	TenantID  string     `json:"tenantId"`
	Title     string     `json:"title"`
	Status    string     `json:"status,omitempty"`
	LineItems []LineItem `json:"lineItems"`
	Version   int64      `json:"version"`
}

// View is the client-held scheduling state of one tenant.
type View struct {
	Quotes      []Quote `json:"quotes"`
	ManualTasks []Task  `json:"manualTasks"`
}

// Pending reports whether the task is an optimistic creation the server has not confirmed.
func (t Task) Pending() bool {
	return t.Version == 0
}

// Pending reports whether the line item is an optimistic creation the server has not confirmed.
func (l LineItem) Pending() bool {
	return l.Version == 0
}

// Pending reports whether the quote is an optimistic creation the server has not confirmed.
func (q Quote) Pending() bool {
	return q.Version == 0
}

// Clone returns a deep copy of the view.
func (v View) Clone() View {
	cloned := View{
		Quotes:      make([]Quote, 0, len(v.Quotes)),
		ManualTasks: make([]Task, 0, len(v.ManualTasks)),
	}
	for _, quote := range v.Quotes {
		cloned.Quotes = append(cloned.Quotes, cloneQuote(quote))
	}
	for _, task := range v.ManualTasks {
		cloned.ManualTasks = append(cloned.ManualTasks, cloneTask(task))
	}
	return cloned
}

func cloneTask(task Task) Task {
	cloned := task
	cloned.DueAt = clonePointer(task.DueAt)
	cloned.CompletedAt = clonePointer(task.CompletedAt)
	cloned.NoteCount = clonePointer(task.NoteCount)
	return cloned
}

func cloneLineItem(item LineItem) LineItem {
	cloned := item
	if item.Task != nil {
		task := cloneTask(*item.Task)
		cloned.Task = &task
	}
	return cloned
}

func cloneQuote(quote Quote) Quote {
	cloned := quote
	cloned.LineItems = make([]LineItem, 0, len(quote.LineItems))
	for _, item := range quote.LineItems {
		cloned.LineItems = append(cloned.LineItems, cloneLineItem(item))
	}
	return cloned
}

func clonePointer[T any](value *T) *T {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}
