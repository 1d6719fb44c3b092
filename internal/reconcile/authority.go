package reconcile

import "time"

// FieldRule carries one optimistic field from the local entity onto the merged
// entity. Preserve must only write when the merged (server) value is absent.
type FieldRule[T any] struct {
	Name     string
	Preserve func(merged *T, local T)
}

// Authority classifies the fields of one mergeable entity type. Every field not
// named by an optimistic rule is server truth.
type Authority[T any] struct {
	Identify   func(T) string
	Pending    func(T) bool
	Clone      func(T) T
	Optimistic []FieldRule[T]
	// Sequence forces the ordering field to the server value. It runs after the
	// optimistic rules.
	Sequence func(merged *T, server T)
	// Children merges owned collections once both counterparts are known.
	Children func(merged *T, local T, server T)
}

// OptimisticFields lists the names of the fields preserved from local state.
func (a Authority[T]) OptimisticFields() []string {
	names := make([]string, 0, len(a.Optimistic))
	for _, rule := range a.Optimistic {
		names = append(names, rule.Name)
	}
	return names
}

// preserveAbsent returns a rule that copies a pointer field when the server omitted it.
func preserveAbsent[T any, F any](name string, field func(*T) **F) FieldRule[T] {
	return FieldRule[T]{
		Name: name,
		Preserve: func(merged *T, local T) {
			target := field(merged)
			if *target != nil {
				return
			}
			*target = clonePointer(*field(&local))
		},
	}
}

var taskAuthority = Authority[Task]{
	Identify: func(task Task) string { return task.ID },
	Pending:  Task.Pending,
	Clone:    cloneTask,
	Optimistic: []FieldRule[Task]{
		preserveAbsent("completedAt", func(task *Task) **time.Time { return &task.CompletedAt }),
		preserveAbsent("noteCount", func(task *Task) **int { return &task.NoteCount }),
	},
	Sequence: func(merged *Task, server Task) {
		merged.Order = server.Order
	},
}

var lineItemAuthority = Authority[LineItem]{
	Identify: func(item LineItem) string { return item.ID },
	Pending:  LineItem.Pending,
	Clone:    cloneLineItem,
	Sequence: func(merged *LineItem, server LineItem) {
		merged.Position = server.Position
	},
	Children: func(merged *LineItem, local LineItem, server LineItem) {
		merged.Task = mergeOwned(taskAuthority, local.Task, server.Task)
	},
}

var quoteAuthority = Authority[Quote]{
	Identify: func(quote Quote) string { return quote.ID },
	Pending:  Quote.Pending,
	Clone:    cloneQuote,
	Children: func(merged *Quote, local Quote, server Quote) {
		merged.LineItems = MergeCollection(lineItemAuthority, local.LineItems, server.LineItems)
	},
}
