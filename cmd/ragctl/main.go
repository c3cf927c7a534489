// Command ragctl 在本地直接调用入库、问答和摘要流程，不经过 HTTP 服务。
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
