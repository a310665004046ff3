// Package stack bootstraps a persistence stack for one schema: the model
// loaded from the application bundle, a coordinator with the store file
// <schema>.sqlite in the per-user document directory, a main context and a
// background context.
//
// # Basic Usage
//
//	s, err := stack.New(ctx, "Notes")
//	if err != nil {
//	    var setupErr *stack.SetupError
//	    if errors.As(err, &setupErr) {
//	        log.Printf("setup failed at %s", setupErr.Stage)
//	    }
//	    return err
//	}
//	defer s.Close()
//
//	note, err := s.MainContext().Insert("Note")
//	...
//	err = s.Save(ctx)
//
// # Background Wiring
//
// With sibling wiring (the default) both contexts save straight to the
// store and main sees background work after Propagate. With parent wiring
// main saves into the background context, which writes to the store off
// the main queue. Wiring none builds only the main context.
package stack
