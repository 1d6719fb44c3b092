package reconcile

// MergeEntity merges one local entity with its server counterpart. A missing
// side passes the other through as a fresh copy. When both exist the server
// entity is the base, absent optimistic fields are taken from local, then the
// sequencing field is forced to the server value. Inputs are never mutated.
func MergeEntity[T any](authority Authority[T], local, server *T) *T {
	switch {
	case local == nil && server == nil:
		return nil
	case local == nil:
		merged := authority.Clone(*server)
		return &merged
	case server == nil:
		merged := authority.Clone(*local)
		return &merged
	}

	merged := authority.Clone(*server)
	for _, rule := range authority.Optimistic {
		rule.Preserve(&merged, *local)
	}
	if authority.Children != nil {
		authority.Children(&merged, *local, *server)
	}
	if authority.Sequence != nil {
		authority.Sequence(&merged, *server)
	}
	return &merged
}

// MergeCollection merges a local collection into the server collection. The
// result follows server order; local entities the server does not know about are
// appended afterwards when they are still pending creation, and dropped when the
// server had confirmed them before (deleted remotely).
func MergeCollection[T any](authority Authority[T], local, server []T) []T {
	localByID := make(map[string]int, len(local))
	for index, entity := range local {
		id := authority.Identify(entity)
		if id == "" {
			continue
		}
		if _, seen := localByID[id]; !seen {
			localByID[id] = index
		}
	}

	merged := make([]T, 0, len(server)+len(local))
	serverIDs := make(map[string]struct{}, len(server))
	for index := range server {
		entity := server[index]
		id := authority.Identify(entity)
		serverIDs[id] = struct{}{}

		var counterpart *T
		if localIndex, ok := localByID[id]; ok && id != "" {
			counterpart = &local[localIndex]
		}
		merged = append(merged, *MergeEntity(authority, counterpart, &entity))
	}

	for _, entity := range local {
		if _, onServer := serverIDs[authority.Identify(entity)]; onServer {
			continue
		}
		if authority.Pending != nil && !authority.Pending(entity) {
			continue
		}
		merged = append(merged, authority.Clone(entity))
	}
	return merged
}

// mergeOwned merges an optional owned entity, applying the same confirmation
// rule as collections when only the local side remains.
func mergeOwned[T any](authority Authority[T], local, server *T) *T {
	if server == nil && local != nil && authority.Pending != nil && !authority.Pending(*local) {
		return nil
	}
	return MergeEntity(authority, local, server)
}

// MergeTask merges a single scheduled task.
func MergeTask(local, server *Task) *Task {
	return MergeEntity(taskAuthority, local, server)
}

// MergeTasks merges a task collection such as the manual task list.
func MergeTasks(local, server []Task) []Task {
	return MergeCollection(taskAuthority, local, server)
}

// MergeLineItems merges the line items of one quote, including their tasks.
func MergeLineItems(local, server []LineItem) []LineItem {
	return MergeCollection(lineItemAuthority, local, server)
}

// MergeQuotes merges the quote collection top-down.
func MergeQuotes(local, server []Quote) []Quote {
	return MergeCollection(quoteAuthority, local, server)
}

// Reconcile produces a fresh view from the locally held view and a server
// snapshot. It never fails: missing data on either side is coalesced.
func Reconcile(local, server View) View {
	return View{
		Quotes:      MergeQuotes(local.Quotes, server.Quotes),
		ManualTasks: MergeTasks(local.ManualTasks, server.ManualTasks),
	}
}

// TaskOptimisticFields names the task fields whose local value survives a merge
// when the server omits them.
func TaskOptimisticFields() []string {
	return taskAuthority.OptimisticFields()
}
