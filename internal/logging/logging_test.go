package logging_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"dyocense/controlplane/internal/logging"
)

func TestIsAllowlistedKnownKeys(t *testing.T) {
	assert.True(t, logging.IsAllowlisted("tenant_id"))
	assert.True(t, logging.IsAllowlisted("Reason"))
	assert.False(t, logging.IsAllowlisted("hmac_secret"))
	assert.False(t, logging.IsAllowlisted("signing_key_private_key"))
}

func TestMaskFieldRedactsSensitiveValues(t *testing.T) {
	attr := logging.MaskField("key_vault_ref_secret", "s3kr3t")
	assert.Equal(t, logging.RedactedValue, attr.Value.String())

	attr = logging.MaskField("tenant_id", "tenant-a")
	assert.Equal(t, "tenant-a", attr.Value.String())
}

func TestMaskValueLeavesEmptyUnchanged(t *testing.T) {
	assert.Equal(t, "", logging.MaskValue(""))
	assert.Equal(t, logging.RedactedValue, logging.MaskValue("abc"))
}

func TestSetupDoesNotPanicWithoutFileConfig(t *testing.T) {
	logger := logging.Setup("controlplane", "test", nil)
	assert.NotNil(t, logger)
}
