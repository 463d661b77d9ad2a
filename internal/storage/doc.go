// Package storage provides the embedded SQLite vector backend.
//
// It stores named collections of fixed-dimension points. Each point carries
// a little-endian float32 vector blob and a JSON payload; the payload's
// filePath is mirrored into an indexed column so per-file deletes stay cheap.
//
// # Database Schema
//
// Tables:
//   - schema_version: applied migrations, compared with semver
//   - collections: name, vector size and distance metric
//   - points: id, vector, payload and file path per collection
//
// # Scoring
//
// Without the sqlite_vec build tag, candidate vectors are loaded and scored
// in Go for every metric. With it, cosine collections are scored inside
// SQLite by vec_distance_cosine.
//
//	s, err := storage.NewSQLiteStorage(".ctxengine/vectors.db")
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//
//	err = s.CreateCollection(ctx, "code-context", types.CollectionConfig{
//	    VectorSize: 768,
//	    Distance:   types.DistanceCosine,
//	})
//
// # Filters
//
// Payload filters compile to json_extract conditions. Keys must be dotted
// identifiers; values are bound as parameters.
package storage
