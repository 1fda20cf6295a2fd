package gen

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
)

var Module = fx.Module("gen",
	fx.Provide(NewNode),
)

// NewNode builds the process-wide snowflake node used for task,
// operation and event identifiers.
func NewNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}
