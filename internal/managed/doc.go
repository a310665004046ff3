// Package managed provides contexts: working sets of objects that are
// fetched from, and saved to, a coordinator or a parent context.
//
// # Queues
//
// A MainQueue context runs Perform blocks on the host's main executor; a
// PrivateQueue context owns a serial queue goroutine. Every method is also
// safe to call from any goroutine.
//
//	bg := managed.NewContext(managed.PrivateQueue, managed.WithName("background"))
//	if err := bg.SetCoordinator(coord); err != nil {
//	    return err
//	}
//	err := bg.PerformAndWait(ctx, func(ctx context.Context) error {
//	    note, err := bg.Insert("Note")
//	    if err != nil {
//	        return err
//	    }
//	    if err := note.Set("title", "hello"); err != nil {
//	        return err
//	    }
//	    return bg.Save(ctx)
//	})
//
// # Saving
//
// Save validates pending changes and writes them to the store, or into the
// parent's working set for child contexts. A failed save leaves the
// working set untouched so the caller can fix values and retry.
// Optimistic-lock conflicts with other contexts are resolved by the
// context's MergePolicy.
//
// # Merging
//
// Contexts attached to a coordinator hear about each other's saves. With
// automatic merging on, notifications are merged on the context's queue;
// otherwise they wait for MergePendingChanges.
package managed
