// Package types provides shared type definitions for the datastack module.
//
// This package defines the identifiers and domain errors used across the
// model, storage, coordinator and managed context layers.
//
// # Object Identifiers
//
// Every managed object is identified by an ObjectID: the entity name plus a
// time-ordered UUID. IDs are assigned when an object is inserted into a
// context and never change afterwards, so they can be handed between
// contexts safely:
//
//	id := types.NewObjectID("Note")
//	fmt.Println(id) // Note/0190f5c1-...
//
//	parsed, err := types.ParseObjectID(id.String())
//
// # Errors
//
// Domain errors are sentinel values compared with errors.Is. Validation
// failures are collected into a *ValidationError so a single save reports
// every problem at once:
//
//	if err := moc.Save(ctx); err != nil {
//	    var verr *types.ValidationError
//	    if errors.As(err, &verr) {
//	        for _, f := range verr.Failures {
//	            fmt.Printf("%s.%s: %v\n", f.ObjectID, f.Key, f.Err)
//	        }
//	    }
//	}
package types
