package board

import (
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
)

func (b Board) Validate() error {
	err := validation.ValidateStruct(&b,
		validation.Field(&b.Name, validation.Required, validation.Length(1, MaxNameLength)),
		validation.Field(&b.Folders),
		validation.Field(&b.CanvasHeaders),
		validation.Field(&b.DrawingPaths),
	)
	if err != nil {
		return err
	}
	return checkIDs(&b)
}

func (f Folder) Validate() error {
	return validation.ValidateStruct(&f,
		validation.Field(&f.ID, validation.Required),
		validation.Field(&f.Title, validation.Length(0, MaxTitleLength)),
		validation.Field(&f.Files),
	)
}

func (f File) Validate() error {
	return validation.ValidateStruct(&f,
		validation.Field(&f.ID, validation.Required),
		validation.Field(&f.Title, validation.Length(0, MaxTitleLength)),
		validation.Field(&f.Bookmarks),
		validation.Field(&f.Sections),
	)
}

func (s Section) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.ID, validation.Required),
		validation.Field(&s.Title, validation.Length(0, MaxTitleLength)),
		validation.Field(&s.Bookmarks),
	)
}

func (bm Bookmark) Validate() error {
	return validation.ValidateStruct(&bm,
		validation.Field(&bm.ID, validation.Required),
		validation.Field(&bm.Title, validation.Length(0, MaxTitleLength)),
		validation.Field(&bm.URL, validation.Required, is.URL),
	)
}

func (h CanvasHeader) Validate() error {
	return validation.ValidateStruct(&h,
		validation.Field(&h.ID, validation.Required),
	)
}

func (p DrawingPath) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.ID, validation.Required),
		validation.Field(&p.Width, validation.Min(0.0)),
	)
}

// checkIDs rejects any id used twice on the board, reporting a bookmark held
// by both a file and one of its sections as double ownership.
func checkIDs(b *Board) error {
	seen := map[string]struct{}{}
	claim := func(id string) error {
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateID, id)
		}
		seen[id] = struct{}{}
		return nil
	}
	for _, folder := range b.Folders {
		if err := claim(folder.ID); err != nil {
			return err
		}
		for _, file := range folder.Files {
			if err := claim(file.ID); err != nil {
				return err
			}
			legacy := map[string]struct{}{}
			for _, bm := range file.Bookmarks {
				legacy[bm.ID] = struct{}{}
				if err := claim(bm.ID); err != nil {
					return err
				}
			}
			for _, sec := range file.Sections {
				if err := claim(sec.ID); err != nil {
					return err
				}
				for _, bm := range sec.Bookmarks {
					if _, owned := legacy[bm.ID]; owned {
						return fmt.Errorf("%w: %s in file %s", ErrDoubleOwnership, bm.ID, file.ID)
					}
					if err := claim(bm.ID); err != nil {
						return err
					}
				}
			}
		}
	}
	for _, h := range b.CanvasHeaders {
		if err := claim(h.ID); err != nil {
			return err
		}
	}
	for _, p := range b.DrawingPaths {
		if err := claim(p.ID); err != nil {
			return err
		}
	}
	return nil
}
