package closeloop_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestCloseLoop(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Close-Loop Controller Suite")
}
