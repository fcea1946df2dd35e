package recovery

import (
	"context"
	"errors"
	"time"

	"github.com/agentworkforce/relayboard/internal/board"
	"github.com/agentworkforce/relayboard/internal/boardstore"
)

const defaultBoardName = "My Board"

// SchemaReport describes what a schema repair changed.
type SchemaReport struct {
	Collection        string   `json:"collection"`
	CreatedCollection bool     `json:"createdCollection"`
	CreatedAttributes []string `json:"createdAttributes"`
	SeededDocument    string   `json:"seededDocument,omitempty"`
}

// FixSchema makes the named collection exist and carry every required
// attribute of its known schema. Running it on a repaired collection makes
// no create calls.
func (s *Service) FixSchema(ctx context.Context, collection string) (SchemaReport, error) {
	report := SchemaReport{Collection: collection, CreatedAttributes: []string{}}
	client := s.opts.Schema
	if client == nil {
		return report, ErrNoSchemaClient
	}
	log := s.opts.Logger.With().Str("collection", collection).Logger()

	var existing []boardstore.Attribute
	_, err := client.GetCollection(ctx, collection)
	switch {
	case err == nil:
		existing, err = client.ListAttributes(ctx, collection)
		if err != nil {
			log.Error().Err(err).Msg("list attributes failed")
			return report, err
		}
	case boardstore.KindOf(err) == boardstore.KindNotFound:
		if _, err := client.CreateCollection(ctx, collection); err != nil && !errors.Is(err, boardstore.ErrCollectionExists) {
			log.Error().Err(err).Msg("create collection failed")
			return report, err
		} else if err == nil {
			report.CreatedCollection = true
		}
		existing, err = client.ListAttributes(ctx, collection)
		if err != nil {
			log.Error().Err(err).Msg("list attributes failed")
			return report, err
		}
	default:
		log.Error().Err(err).Msg("get collection failed")
		return report, err
	}

	required, known := boardstore.KnownSchema(collection)
	if !known {
		return report, nil
	}
	have := make(map[string]struct{}, len(existing))
	for _, attr := range existing {
		have[attr.Key] = struct{}{}
	}
	for _, attr := range required {
		if _, ok := have[attr.Key]; ok {
			continue
		}
		err := client.CreateAttribute(ctx, collection, attr)
		if errors.Is(err, boardstore.ErrAttributeExists) {
			continue
		}
		if err != nil {
			log.Error().Err(err).Str("attribute", attr.Key).Msg("create attribute failed")
			return report, err
		}
		report.CreatedAttributes = append(report.CreatedAttributes, attr.Key)
	}
	if report.CreatedCollection || len(report.CreatedAttributes) > 0 {
		log.Info().
			Bool("createdCollection", report.CreatedCollection).
			Strs("createdAttributes", report.CreatedAttributes).
			Msg("schema repaired")
	}
	return report, nil
}

// EnsureCollection re-checks that collection exists, repairing it when
// absent. An empty boards collection is seeded with one default board.
func (s *Service) EnsureCollection(ctx context.Context, collection string) (SchemaReport, error) {
	report, err := s.FixSchema(ctx, collection)
	if err != nil {
		return report, err
	}
	if collection != boardstore.BoardsCollection {
		return report, nil
	}
	docs, err := s.opts.Schema.ListDocuments(ctx, collection, 1)
	if err != nil {
		return report, err
	}
	if len(docs) > 0 {
		return report, nil
	}
	seed := board.New(defaultBoardName)
	seed.UpdatedAt = s.opts.Now().UTC().Truncate(time.Millisecond)
	data, err := seed.ToDocument()
	if err != nil {
		return report, err
	}
	doc, err := s.opts.Schema.CreateDocument(ctx, collection, "", data)
	if err != nil && !errors.Is(err, boardstore.ErrDocumentExists) {
		return report, err
	}
	report.SeededDocument = doc.ID
	s.opts.Logger.Info().Str("collection", collection).Str("document", doc.ID).Msg("seeded default board")
	return report, nil
}
