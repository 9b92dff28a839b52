package skills

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
)

const clockName = "time.now"

// ClockTool reports the current time, in an IANA zone when one is given.
type ClockTool struct {
	now func() time.Time
}

func NewClockTool() *ClockTool {
	return &ClockTool{now: time.Now}
}

func (t *ClockTool) Info(ctx context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{
		Name: clockName,
		Desc: "Current date and time. Optional tz is an IANA zone such as Europe/Berlin.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"tz": {Type: schema.String, Desc: "IANA time zone"},
		}),
	}, nil
}

func (t *ClockTool) InvokableRun(ctx context.Context, argumentsInJSON string, opts ...tool.Option) (string, error) {
	var args struct {
		TZ string `json:"tz"`
	}
	if err := decodeArgs(argumentsInJSON, &args); err != nil {
		return "", err
	}

	now := t.now()
	if args.TZ != "" {
		loc, err := time.LoadLocation(args.TZ)
		if err != nil {
			return "", fmt.Errorf("%w: unknown time zone %q", ErrBadArguments, args.TZ)
		}
		now = now.In(loc)
	}

	return now.Format("Monday, 2006-01-02 15:04:05 MST"), nil
}
