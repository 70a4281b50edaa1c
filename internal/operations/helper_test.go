package operations

// Same helper-process trick as internal/driver: this test binary re-execs
// itself to play a fake adjust/measure/environment driver, selected by
// GO_OPS_HELPER_SCENARIO.

import (
	"fmt"
	"os"
	"testing"
)

func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_OP") != "1" {
		return
	}

	args := os.Args
	for len(args) > 0 {
		if args[0] == "--" {
			args = args[1:]
			break
		}
		args = args[1:]
	}
	isInfo := len(args) > 0 && args[0] == "--info"

	switch os.Getenv("GO_OPS_HELPER_SCENARIO") {
	case "adjust-query":
		if isInfo {
			fmt.Println(`{"has_cancel":false}`)
			break
		}
		fmt.Println(`{"application":{"components":{"svc":{"settings":{"cpu":{"value":1}}}}}}`)
	case "measure-describe":
		if isInfo {
			fmt.Println(`{"has_cancel":false}`)
			break
		}
		fmt.Println(`{"metrics":{"throughput":{"unit":"rps"}}}`)
	case "measure-ok-perf":
		if isInfo {
			fmt.Println(`{"has_cancel":false}`)
			break
		}
		fmt.Println(`{"progress":50}`)
		fmt.Println(`{"status":"ok","metrics":{"requests throughput":{"value":123}}}`)
	case "measure-empty-metrics":
		if isInfo {
			fmt.Println(`{"has_cancel":false}`)
			break
		}
		fmt.Println(`{"status":"ok","metrics":{}}`)
	case "adjust-merge":
		if isInfo {
			fmt.Println(`{"has_cancel":false}`)
			break
		}
		var stdin []byte
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			stdin = append(stdin, buf[:n]...)
			if err != nil {
				break
			}
		}
		fmt.Printf("{\"status\":\"ok\",\"received\":%s}\n", string(stdin))
	case "environment-ok":
		if isInfo {
			fmt.Println(`{"has_cancel":false}`)
			break
		}
		fmt.Println(`{"status":"ok"}`)
	case "environment-fail":
		if isInfo {
			fmt.Println(`{"has_cancel":false}`)
			break
		}
		fmt.Println(`{"status":"fail","message":"image mismatch"}`)
		os.Exit(1)
	default:
		os.Exit(2)
	}

	os.Exit(0)
}
