package settlement

import (
	"github.com/atmx/updown-engine/internal/model"
	"github.com/atmx/updown-engine/internal/parimutuel"
)

func SetEntryBuilder(e *Engine, f func(*parimutuel.Plan, string) []model.EntryDraft) {
	e.buildEntries = f
}
