package cloud

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
)

// InstanceInfo identifies the EC2 instance serving a request. Both fields
// are empty off EC2.
type InstanceInfo struct {
	InstanceID string `json:"instanceId"`
	AZ         string `json:"az"`
}

// IdentityClient is the slice of the IMDS client used here.
type IdentityClient interface {
	GetInstanceIdentityDocument(ctx context.Context, in *imds.GetInstanceIdentityDocumentInput, optFns ...func(*imds.Options)) (*imds.GetInstanceIdentityDocumentOutput, error)
}

// LookupInstance asks the metadata service who we are. Any failure,
// including the timeout, yields an empty InstanceInfo.
func LookupInstance(ctx context.Context, client IdentityClient, timeout time.Duration) InstanceInfo {
	if client == nil {
		client = imds.New(imds.Options{})
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	doc, err := client.GetInstanceIdentityDocument(ctx, &imds.GetInstanceIdentityDocumentInput{})
	if err != nil {
		return InstanceInfo{}
	}
	return InstanceInfo{InstanceID: doc.InstanceID, AZ: doc.AvailabilityZone}
}
