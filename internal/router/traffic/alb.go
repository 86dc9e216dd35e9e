package traffic

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"
)

// ELBv2API is the subset of the target-group client this strategy needs (for testing).
type ELBv2API interface {
	RegisterTargets(ctx context.Context, params *elasticloadbalancingv2.RegisterTargetsInput, optFns ...func(*elasticloadbalancingv2.Options)) (*elasticloadbalancingv2.RegisterTargetsOutput, error)
	DeregisterTargets(ctx context.Context, params *elasticloadbalancingv2.DeregisterTargetsInput, optFns ...func(*elasticloadbalancingv2.Options)) (*elasticloadbalancingv2.DeregisterTargetsOutput, error)
	DescribeTargetHealth(ctx context.Context, params *elasticloadbalancingv2.DescribeTargetHealthInput, optFns ...func(*elasticloadbalancingv2.Options)) (*elasticloadbalancingv2.DescribeTargetHealthOutput, error)
}

// ALBConfig holds aws-alb strategy configuration
type ALBConfig struct {
	TargetGroupArn           string
	TargetID                 string // instance ID or IP address, depending on target group type
	Port                     int32  // 0 to omit and target the group's registered port
	Region                   string
	DeregistrationDelaySeconds int
	// DrainPollInterval controls how often target health is polled while draining
	DrainPollInterval time.Duration
}

// ALBStrategy registers/deregisters this instance with an ELBv2 target group
// to steer ALB traffic toward the current PRIMARY and away from STANDBY
// replicas. Deregistration waits for the target to reach "unused" health,
// bounded by DeregistrationDelaySeconds, mirroring ALB connection draining.
type ALBStrategy struct {
	client ELBv2API
	config *ALBConfig

	registered    bool
	lastOperation string
	lastError     string
}

// NewALBStrategy creates a new aws-alb strategy, loading AWS configuration
// for the given region.
func NewALBStrategy(ctx context.Context, cfg *ALBConfig) (*ALBStrategy, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	if cfg.DrainPollInterval == 0 {
		cfg.DrainPollInterval = 2 * time.Second
	}
	return &ALBStrategy{
		client: elasticloadbalancingv2.NewFromConfig(awsCfg),
		config: cfg,
	}, nil
}

func (s *ALBStrategy) target() types.TargetDescription {
	td := types.TargetDescription{Id: aws.String(s.config.TargetID)}
	if s.config.Port != 0 {
		td.Port = aws.Int32(s.config.Port)
	}
	return td
}

// RegisterAsActive registers this instance's target with the configured
// target group. Idempotent - re-registering an already-registered target
// is a no-op on the ALB side.
func (s *ALBStrategy) RegisterAsActive() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := s.client.RegisterTargets(ctx, &elasticloadbalancingv2.RegisterTargetsInput{
		TargetGroupArn: aws.String(s.config.TargetGroupArn),
		Targets:        []types.TargetDescription{s.target()},
	})
	if err != nil {
		s.lastError = err.Error()
		s.lastOperation = "register"
		return fmt.Errorf("%w: register target: %v", ErrTrafficManagement, err)
	}

	s.registered = true
	s.lastOperation = "register"
	s.lastError = ""
	slog.Info("Registered target with ALB target group", "targetGroupArn", s.config.TargetGroupArn, "targetId", s.config.TargetID)
	return nil
}

// DeregisterFromActive deregisters this instance's target and waits for the
// ALB to report it as "unused", bounded by DeregistrationDelaySeconds. The
// deregister call itself is idempotent; polling returns early once the
// target leaves the draining state.
func (s *ALBStrategy) DeregisterFromActive() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := s.client.DeregisterTargets(ctx, &elasticloadbalancingv2.DeregisterTargetsInput{
		TargetGroupArn: aws.String(s.config.TargetGroupArn),
		Targets:        []types.TargetDescription{s.target()},
	})
	if err != nil {
		s.lastError = err.Error()
		s.lastOperation = "deregister"
		return fmt.Errorf("%w: deregister target: %v", ErrTrafficManagement, err)
	}

	s.registered = false
	s.lastOperation = "deregister"
	s.lastError = ""
	slog.Info("Deregistered target from ALB target group, waiting for draining", "targetGroupArn", s.config.TargetGroupArn, "targetId", s.config.TargetID)

	s.waitForDrain()
	return nil
}

// waitForDrain polls target health until it reports "unused" or the
// deregistration delay elapses, whichever comes first. Failures are logged
// but not returned - draining is a best-effort wait, not a correctness
// requirement.
func (s *ALBStrategy) waitForDrain() {
	deadline := time.Now().Add(time.Duration(s.config.DeregistrationDelaySeconds) * time.Second)
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		out, err := s.client.DescribeTargetHealth(ctx, &elasticloadbalancingv2.DescribeTargetHealthInput{
			TargetGroupArn: aws.String(s.config.TargetGroupArn),
			Targets:        []types.TargetDescription{s.target()},
		})
		cancel()
		if err != nil {
			slog.Warn("Failed to poll ALB target health while draining", "error", err)
			return
		}

		unused := true
		for _, desc := range out.TargetHealthDescriptions {
			if desc.TargetHealth == nil {
				continue
			}
			if desc.TargetHealth.State != types.TargetHealthStateEnumUnused {
				unused = false
			}
		}
		if unused {
			slog.Info("ALB target reached unused state - draining complete", "targetGroupArn", s.config.TargetGroupArn)
			return
		}
		time.Sleep(s.config.DrainPollInterval)
	}
	slog.Warn("ALB target did not reach unused state before deregistration delay elapsed", "targetGroupArn", s.config.TargetGroupArn)
}

// IsRegistered reports whether the last known state is registered.
func (s *ALBStrategy) IsRegistered() bool {
	return s.registered
}

// GetStatus returns the current status for monitoring/debugging.
func (s *ALBStrategy) GetStatus() *TrafficStatus {
	return &TrafficStatus{
		StrategyType:  "aws-alb",
		Registered:    s.registered,
		TargetInfo:    fmt.Sprintf("targetGroupArn=%s targetId=%s", s.config.TargetGroupArn, s.config.TargetID),
		LastOperation: s.lastOperation,
		LastError:     s.lastError,
	}
}
