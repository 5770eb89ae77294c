package aws

import (
	"fmt"
	"strings"
)

// IDFormat selects how the import id is derived from a resource ARN.
type IDFormat string

const (
	// IDFormatARN imports by the full ARN.
	IDFormatARN IDFormat = "arn"

	// IDFormatName imports by the last segment of the ARN resource part.
	IDFormatName IDFormat = "name"
)

// KindMapping ties a resource kind to its tagging API resource type.
type KindMapping struct {
	// ResourceType is the tagging API filter, "service[:type]".
	ResourceType string `yaml:"resource_type" json:"resource_type"`

	// IDFormat is how the import id is read from the ARN.
	IDFormat IDFormat `yaml:"id_format" json:"id_format"`
}

// DefaultKinds maps the supported kinds to tagging API resource types.
var DefaultKinds = map[string]KindMapping{
	"aws_alb":                 {ResourceType: "elasticloadbalancing:loadbalancer", IDFormat: IDFormatARN},
	"aws_lb":                  {ResourceType: "elasticloadbalancing:loadbalancer", IDFormat: IDFormatARN},
	"aws_lb_target_group":     {ResourceType: "elasticloadbalancing:targetgroup", IDFormat: IDFormatARN},
	"aws_security_group":      {ResourceType: "ec2:security-group", IDFormat: IDFormatName},
	"aws_instance":            {ResourceType: "ec2:instance", IDFormat: IDFormatName},
	"aws_vpc":                 {ResourceType: "ec2:vpc", IDFormat: IDFormatName},
	"aws_subnet":              {ResourceType: "ec2:subnet", IDFormat: IDFormatName},
	"aws_s3_bucket":           {ResourceType: "s3", IDFormat: IDFormatName},
	"aws_db_instance":         {ResourceType: "rds:db", IDFormat: IDFormatName},
	"aws_rds_cluster":         {ResourceType: "rds:cluster", IDFormat: IDFormatName},
	"aws_dynamodb_table":      {ResourceType: "dynamodb:table", IDFormat: IDFormatName},
	"aws_efs_file_system":     {ResourceType: "elasticfilesystem:file-system", IDFormat: IDFormatName},
	"aws_elasticache_cluster": {ResourceType: "elasticache:cluster", IDFormat: IDFormatName},
	"aws_sqs_queue":           {ResourceType: "sqs", IDFormat: IDFormatARN},
	"aws_sns_topic":           {ResourceType: "sns", IDFormat: IDFormatARN},
	"aws_lambda_function":     {ResourceType: "lambda:function", IDFormat: IDFormatName},
}

// importID derives the import id for arn according to format.
func importID(arn string, format IDFormat) (string, error) {
	parts := strings.SplitN(arn, ":", 6)
	if len(parts) < 6 || parts[0] != "arn" {
		return "", fmt.Errorf("malformed ARN %q", arn)
	}
	if format == IDFormatARN {
		return arn, nil
	}

	resource := parts[5]
	if i := strings.LastIndexAny(resource, "/:"); i >= 0 {
		resource = resource[i+1:]
	}
	if resource == "" {
		return "", fmt.Errorf("ARN %q has an empty resource name", arn)
	}
	return resource, nil
}
